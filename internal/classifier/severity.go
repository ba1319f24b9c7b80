package classifier

import (
	"fmt"
	"math/rand/v2"
)

// Severity is one of the five diabetic-retinopathy stages, in model output order.
type Severity int

const (
	NoDR Severity = iota
	Mild
	Moderate
	Severe
	ProliferativeDR
)

// NumClasses is the length of the model's score vector.
const NumClasses = 5

// Band is the inclusive percentage range a displayed confidence is drawn from.
type Band struct {
	Min float64
	Max float64
}

type severityInfo struct {
	label string
	band  Band
}

// The displayed confidence is sampled from these bands, not taken from the model
// scores. No DR has a zero band and always reports "0".
var severities = [NumClasses]severityInfo{
	NoDR:            {label: "No DR", band: Band{0, 0}},
	Mild:            {label: "Mild", band: Band{20, 30}},
	Moderate:        {label: "Moderate", band: Band{31, 50}},
	Severe:          {label: "Severe", band: Band{51, 85}},
	ProliferativeDR: {label: "Proliferative DR", band: Band{86, 99}},
}

func (s Severity) String() string {
	if !s.valid() {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severities[s].label
}

// Band returns the confidence band for s.
func (s Severity) Band() Band {
	if !s.valid() {
		return Band{}
	}
	return severities[s].band
}

func (s Severity) valid() bool {
	return s >= 0 && int(s) < NumClasses
}

// Labels returns the class labels in model output order.
func Labels() []string {
	out := make([]string, NumClasses)
	for i, info := range severities {
		out[i] = info.label
	}
	return out
}

// ArgMax returns the index of the highest score. Ties go to the lowest index.
func ArgMax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Confidence synthesises the display confidence for s. uniform must return values
// in [0,1); nil uses math/rand/v2.
func Confidence(s Severity, uniform func() float64) string {
	band := s.Band()
	if band.Max == 0 {
		return "0"
	}
	if uniform == nil {
		uniform = rand.Float64
	}
	return fmt.Sprintf("%.2f", band.Min+(band.Max-band.Min)*uniform())
}
