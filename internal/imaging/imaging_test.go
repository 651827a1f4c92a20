package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestScaleKeepsAspect(t *testing.T) {
	out := Scale(solid(400, 200), 100, 100)
	assert.Equal(t, image.Pt(100, 50), out.Bounds().Size())
}

func TestScaleLeavesSmallImages(t *testing.T) {
	img := solid(50, 40)
	assert.Same(t, img, Scale(img, 100, 100))
	assert.Same(t, img, Scale(img, 0, 0))
}

func TestPixelRect(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 100)
	tests := []struct {
		name string
		box  Box
		want image.Rectangle
	}{
		{name: "inside", box: Box{Left: 0.25, Top: 0.5, Width: 0.5, Height: 0.25}, want: image.Rect(50, 50, 150, 75)},
		{name: "clamped negative", box: Box{Left: -0.1, Top: -0.2, Width: 0.3, Height: 0.5}, want: image.Rect(0, 0, 40, 30)},
		{name: "clamped overflow", box: Box{Left: 0.9, Top: 0.9, Width: 0.5, Height: 0.5}, want: image.Rect(180, 90, 200, 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PixelRect(bounds, tt.box))
		})
	}
}

func TestCrop(t *testing.T) {
	img, err := Crop(solid(200, 100), Box{Left: 0.25, Top: 0.5, Width: 0.5, Height: 0.25})
	require.NoError(t, err)
	assert.Equal(t, image.Pt(100, 25), img.Bounds().Size())

	_, err = Crop(solid(200, 100), Box{Left: 2, Top: 2, Width: 0.1, Height: 0.1})
	assert.Error(t, err)
}

func TestEncodeAndSaveCrop(t *testing.T) {
	data, err := EncodeJPEG(solid(10, 10))
	require.NoError(t, err)
	decoded, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(10, 10), decoded.Bounds().Size())

	dir := t.TempDir()
	path, err := SaveCrop(dir, data)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, saved)
}

func TestLoaderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solid(300, 150)))
	require.NoError(t, f.Close())

	img, data, err := NewLoader(100, 100).Load(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(100, 50), img.Bounds().Size())
	assert.NotEmpty(t, data)

	_, _, err = NewLoader(100, 100).Load(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
