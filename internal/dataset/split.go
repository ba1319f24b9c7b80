package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Partition holds sample indices for each side of a train/validation split.
type Partition struct {
	Train []int
	Val   []int
}

// Split shuffles 0..n-1 with a PCG source seeded by seed and puts the first
// ceil(n*valRatio) indices in Val. The same seed always yields the same partition.
func Split(n int, valRatio float64, seed uint64) (Partition, error) {
	if n < 0 {
		return Partition{}, fmt.Errorf("negative sample count %d", n)
	}
	if math.IsNaN(valRatio) || valRatio < 0 || valRatio >= 1 {
		return Partition{}, fmt.Errorf("validation ratio %v outside [0, 1)", valRatio)
	}

	nVal := int(math.Ceil(float64(n) * valRatio))
	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)

	return Partition{
		Train: perm[nVal:],
		Val:   perm[:nVal],
	}, nil
}
