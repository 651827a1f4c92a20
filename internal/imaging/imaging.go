// Package imaging prepares image bytes for the recognition service.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 90

// Box is a crop region expressed as ratios of the image size.
type Box struct {
	Left, Top, Width, Height float64
}

// Decode reads any registered image format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Scale shrinks img to fit within maxW x maxH, keeping its aspect ratio.
// Images that already fit are returned unchanged.
func Scale(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return img
	}
	ratio := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := max(1, int(math.Round(float64(w)*ratio)))
	nh := max(1, int(math.Round(float64(h)*ratio)))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// PixelRect converts a ratio box to pixel coordinates clamped to bounds.
func PixelRect(bounds image.Rectangle, box Box) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	left := int(math.Round(w * box.Left))
	top := int(math.Round(h * box.Top))
	right := int(math.Round(w * (box.Left + box.Width)))
	bottom := int(math.Round(h * (box.Top + box.Height)))

	r := image.Rectangle{
		Min: image.Pt(max(left, 0)+bounds.Min.X, max(top, 0)+bounds.Min.Y),
		Max: image.Pt(min(right, bounds.Dx())+bounds.Min.X, min(bottom, bounds.Dy())+bounds.Min.Y),
	}
	return r.Intersect(bounds)
}

// Crop copies the region of img described by box.
func Crop(img image.Image, box Box) (image.Image, error) {
	r := PixelRect(img.Bounds(), box)
	if r.Empty() {
		return nil, fmt.Errorf("crop box %+v is empty for %v image", box, img.Bounds().Size())
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveCrop writes a JPEG crop to dir under a random name and returns its path.
func SaveCrop(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, uuid.NewString()+".jpeg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save crop: %w", err)
	}
	return path, nil
}

// Loader opens gallery images from disk and scales them for upload.
type Loader struct {
	maxW, maxH int
}

func NewLoader(maxW, maxH int) *Loader {
	return &Loader{maxW: maxW, maxH: maxH}
}

// Load decodes the image at path and returns the scaled image along with its JPEG bytes.
func (l *Loader) Load(path string) (image.Image, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	scaled := Scale(img, l.maxW, l.maxH)
	data, err := EncodeJPEG(scaled)
	if err != nil {
		return nil, nil, err
	}
	return scaled, data, nil
}
