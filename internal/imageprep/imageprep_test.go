package imageprep

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTensorShapeAndRange(t *testing.T) {
	tensor := Tensor(solidImage(640, 480, color.RGBA{R: 10, G: 128, B: 250, A: 255}), InputSize)

	require.Len(t, tensor, InputSize*InputSize*Channels)
	for i, v := range tensor {
		if v < 0 || v > 1 {
			t.Fatalf("value %f at %d outside [0,1]", v, i)
		}
	}
}

func TestTensorUsesBGROrder(t *testing.T) {
	tensor := Tensor(solidImage(32, 32, color.RGBA{R: 255, G: 0, B: 0, A: 255}), 8)

	assert.InDelta(t, 0.0, tensor[0], 1e-6, "blue first")
	assert.InDelta(t, 0.0, tensor[1], 1e-6, "green second")
	assert.InDelta(t, 1.0, tensor[2], 1e-6, "red last")
}

func TestFromReaderDecodesJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(50, 50, color.Gray{Y: 128}), nil))

	tensor, err := FromReader(&buf, 16)
	require.NoError(t, err)
	assert.Len(t, tensor, 16*16*Channels)
	assert.InDelta(t, 128.0/255.0, tensor[0], 0.02)
}

func TestFromReaderRejectsGarbage(t *testing.T) {
	_, err := FromReader(bytes.NewReader([]byte("definitely not an image")), InputSize)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eye.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, solidImage(10, 10, color.White)), 0o600))

	tensor, err := FromFile(path, 4)
	require.NoError(t, err)
	for _, v := range tensor {
		assert.InDelta(t, 1.0, v, 1e-6)
	}

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.png"), 4)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
