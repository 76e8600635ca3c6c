package imageutil

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/banknote-api/internal/errs"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestResizeAnyAspect(t *testing.T) {
	for _, dims := range [][2]int{{640, 480}, {100, 300}, {224, 224}, {7, 5}} {
		out := Resize(gradient(dims[0], dims[1]), 224)
		assert.Equal(t, 224, out.Bounds().Dx())
		assert.Equal(t, 224, out.Bounds().Dy())
		assert.Len(t, Normalize(out), 224*224*3)
	}
}

func TestNormalizeRoundTripIsExact(t *testing.T) {
	src := Resize(gradient(32, 32), 32)
	values := Normalize(src)
	for _, v := range values {
		require.True(t, v >= 0 && v <= 1)
	}
	back, err := Denormalize(values, 32, 32)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, back.Pix)
}

func TestDenormalizeShapeMismatch(t *testing.T) {
	_, err := Denormalize(make([]float32, 10), 4, 4)
	var sme *errs.ShapeMismatchError
	assert.True(t, errors.As(err, &sme))
}

func TestDecodeFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := DecodeFile(filepath.Join(dir, "missing.jpg"))
	var nf *errs.ImageNotFoundError
	assert.True(t, errors.As(err, &nf))

	text := filepath.Join(dir, "notes.jpg")
	require.NoError(t, os.WriteFile(text, []byte("definitely not a banknote"), 0644))
	_, err = DecodeFile(text)
	var de *errs.DecodeError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, text, de.Path)

	truncated := filepath.Join(dir, "truncated.png")
	require.NoError(t, os.WriteFile(truncated, []byte("\x89PNG\r\n\x1a\n\x00\x00"), 0644))
	_, err = DecodeFile(truncated)
	assert.True(t, errors.As(err, &de))
}

func TestLoadTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, path, gradient(50, 40))

	values, err := LoadTensor(path, 16)
	require.NoError(t, err)
	assert.Len(t, values, 16*16*3)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("100_1.JPG"))
	assert.True(t, IsImageFile("scan.webp"))
	assert.False(t, IsImageFile("Thumbs.db"))
}
