// Package render turns [-1, 1] sample tensors into PNG images: single
// frames for trajectory inspection and tiled sheets for whole batches.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"spritegen/tensor"
)

// Frame renders one batch element of a (batch, channels, height, width)
// tensor. One channel renders as grayscale, three as RGB.
func Frame(t *tensor.Tensor, index int) (image.Image, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("render: want a 4-d sample tensor, got shape %v", t.Shape)
	}
	batch, channels, height, width := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if index < 0 || index >= batch {
		return nil, fmt.Errorf("render: batch index %d out of range [0, %d)", index, batch)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("render: %d channels unsupported, want 1 or 3", channels)
	}

	base := index * channels * height * width
	plane := height * width

	if channels == 1 {
		img := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray(x, y, color.Gray{Y: toByte(t.Data[base+y*width+x])})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: toByte(t.Data[base+0*plane+y*width+x]),
				G: toByte(t.Data[base+1*plane+y*width+x]),
				B: toByte(t.Data[base+2*plane+y*width+x]),
				A: 255,
			})
		}
	}
	return img, nil
}

// Grid tiles every batch element into a sheet of the given column
// count, rows filling top to bottom.
func Grid(t *tensor.Tensor, cols int) (image.Image, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("render: want a 4-d sample tensor, got shape %v", t.Shape)
	}
	if cols < 1 {
		return nil, fmt.Errorf("render: grid columns must be >= 1, got %d", cols)
	}
	batch, height, width := t.Shape[0], t.Shape[2], t.Shape[3]
	rows := (batch + cols - 1) / cols

	sheet := image.NewRGBA(image.Rect(0, 0, cols*width, rows*height))
	for i := 0; i < batch; i++ {
		frame, err := Frame(t, i)
		if err != nil {
			return nil, err
		}
		ox := (i % cols) * width
		oy := (i / cols) * height
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				sheet.Set(ox+x, oy+y, frame.At(x, y))
			}
		}
	}
	return sheet, nil
}

// SavePNG writes img to path.
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// toByte maps a [-1, 1] value to [0, 255], clamping overshoot.
func toByte(v float32) uint8 {
	v = (v + 1) / 2
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}
