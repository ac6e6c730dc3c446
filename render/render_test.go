package render

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritegen/tensor"
)

func TestFrameGray(t *testing.T) {
	// 2x2 single-channel sample spanning the [-1, 1] domain.
	x := tensor.From([]float32{-1, 0, 1, 2}, []int{1, 1, 2, 2})

	img, err := Frame(x, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	gray := func(x, y int) uint8 {
		return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
	}
	assert.Equal(t, uint8(0), gray(0, 0))
	assert.Equal(t, uint8(127), gray(1, 0))
	assert.Equal(t, uint8(255), gray(0, 1))
	assert.Equal(t, uint8(255), gray(1, 1), "overshoot clamps")
}

func TestFrameRGBSelectsBatchElement(t *testing.T) {
	x := tensor.New(2, 3, 1, 1)
	// second element: full red
	x.Data[3+0] = 1  // R
	x.Data[3+1] = -1 // G
	x.Data[3+2] = -1 // B

	img, err := Frame(x, 1)
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Zero(t, g)
	assert.Zero(t, b)
}

func TestFrameErrors(t *testing.T) {
	_, err := Frame(tensor.New(2, 2), 0)
	assert.Error(t, err, "rank must be 4")

	_, err = Frame(tensor.New(1, 2, 2, 2), 0)
	assert.Error(t, err, "2 channels unsupported")

	_, err = Frame(tensor.New(1, 1, 2, 2), 1)
	assert.Error(t, err, "batch index out of range")
}

func TestGridDimensions(t *testing.T) {
	x := tensor.New(5, 1, 4, 4)
	img, err := Grid(x, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx(), "2 columns of width 4")
	assert.Equal(t, 12, img.Bounds().Dy(), "3 rows for 5 images")

	_, err = Grid(x, 0)
	assert.Error(t, err)
}

func TestSavePNG(t *testing.T) {
	x := tensor.New(4, 1, 2, 2)
	img, err := Grid(x, 2)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sheet.png")
	require.NoError(t, SavePNG(img, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
