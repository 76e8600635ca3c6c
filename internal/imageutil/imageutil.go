package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/banknote-api/internal/errs"
)

const (
	Channels    = 3
	JPEGQuality = 95
)

// DecodeFile reads and decodes a single image from disk.
// A missing file is an ImageNotFoundError, anything that is not an image is a DecodeError.
func DecodeFile(path string) (image.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ImageNotFoundError{Path: path}
		}
		return nil, &errs.DecodeError{Path: path, Err: err}
	}
	return Decode(path, b)
}

// Decode decodes an in-memory image. name is only used in error messages.
func Decode(name string, b []byte) (image.Image, error) {
	mime := strings.Split(mimetype.Detect(b).String(), ";")[0]
	if !strings.HasPrefix(mime, "image/") {
		return nil, &errs.DecodeError{Path: name, Err: errors.Errorf("unsupported content type %s", mime)}
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &errs.DecodeError{Path: name, Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &errs.DecodeError{Path: name, Err: errors.New("image has no pixels")}
	}
	return img, nil
}

// Resize scales img to exactly size x size with bilinear filtering and returns
// an opaque 8-bit RGBA image. Aspect ratio is not preserved.
func Resize(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	var scaled image.Image = img
	if b.Dx() != size || b.Dy() != size {
		scaled = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	}
	return toRGBA(scaled)
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// Normalize converts an RGBA image to HWC float32 values in [0,1], RGB order.
func Normalize(img *image.RGBA) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	out := make([]float32, width*height*Channels)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			p := row[x*4:]
			i := (y*width + x) * Channels
			out[i] = float32(p[0]) / 255
			out[i+1] = float32(p[1]) / 255
			out[i+2] = float32(p[2]) / 255
		}
	}
	return out
}

// Denormalize maps HWC values in [0,1] back to an 8-bit image. Values are rounded and clamped.
func Denormalize(values []float32, width, height int) (*image.RGBA, error) {
	if len(values) != width*height*Channels {
		return nil, &errs.ShapeMismatchError{
			Context:  "denormalize",
			Expected: []int{height, width, Channels},
			Actual:   []int{len(values)},
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * Channels
			p := out.Pix[y*out.Stride+x*4:]
			p[0] = toByte(values[i])
			p[1] = toByte(values[i+1])
			p[2] = toByte(values[i+2])
			p[3] = 255
		}
	}
	return out, nil
}

func toByte(v float32) uint8 {
	f := math.Round(float64(v) * 255)
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}

// LoadTensor decodes path, resizes it to size x size and returns the normalized HWC tensor.
func LoadTensor(path string, size int) ([]float32, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return Normalize(Resize(img, size)), nil
}

func SaveJPEG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return f.Close()
}

// IsImageFile reports whether name has an extension of a format we can decode.
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return true
	}
	return false
}
