// Package imageprep turns encoded images into the float tensors the retinopathy
// model consumes.
//
// The layout is NHWC with a batch of one, channels in BGR order and every value
// scaled into [0,1]. The channel order matches the OpenCV pipeline the model
// was trained with.
package imageprep

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// InputSize is the square edge length the classifier expects.
const InputSize = 224

// Channels per pixel in the tensor.
const Channels = 3

// ErrDecode marks input that is not a readable image.
var ErrDecode = errors.New("image could not be decoded")

// Decode reads a single image in any registered format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, nil
}

// Tensor resizes img to size x size with bilinear interpolation and returns the
// flattened (1, size, size, 3) tensor.
func Tensor(img image.Image, size int) []float32 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	out := make([]float32, size*size*Channels)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			base := (y*size + x) * Channels
			out[base+0] = float32(px[2]) / 255.0
			out[base+1] = float32(px[1]) / 255.0
			out[base+2] = float32(px[0]) / 255.0
		}
	}
	return out
}

// FromReader decodes r and converts it to a tensor of the given size.
func FromReader(r io.Reader, size int) ([]float32, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Tensor(img, size), nil
}

// FromFile decodes the image at path and converts it to a tensor of the given size.
func FromFile(path string, size int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return FromReader(f, size)
}
