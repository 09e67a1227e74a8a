package cnn

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
)

// TensorFromImages converts 8-bit images into a batch tensor, scaling pixels to [0,1].
// Images may be gray, RGB or RGBA (alpha is ignored), but must all be width x height.
func TensorFromImages(images []*cimg.Image, width, height int) (*Tensor, error) {
	t := NewTensor(len(images), Shape{C: 3, H: height, W: width})
	for n, img := range images {
		if err := imageToCHW(img, width, height, t.Sample(n)); err != nil {
			return nil, fmt.Errorf("Image %v: %w", n, err)
		}
	}
	return t, nil
}

func imageToCHW(img *cimg.Image, width, height int, dst []float32) error {
	if img.Width != width || img.Height != height {
		return fmt.Errorf("Image is %vx%v, expected %vx%v", img.Width, img.Height, width, height)
	}
	nchan := img.NChan()
	if nchan != 1 && nchan != 3 && nchan != 4 {
		return fmt.Errorf("Unsupported channel count %v", nchan)
	}
	const scale = 1.0 / 255
	plane := width * height
	for y := 0; y < height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*nchan:]
			for c := 0; c < 3; c++ {
				v := px[0]
				if nchan >= 3 {
					v = px[c]
				}
				dst[c*plane+y*width+x] = float32(v) * scale
			}
		}
	}
	return nil
}
