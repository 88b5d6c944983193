// Package imageio converts between decoded images and [C,H,W] tensors with
// values in [0,1], and writes debug snapshots.
package imageio

import (
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"harmony-forge/internal/colorxform"
	"harmony-forge/internal/tensor"
)

// JPEGQuality is used for every debug snapshot.
const JPEGQuality = 95

// Decode reads an image and resizes it to size x size. A non-positive size
// keeps the original dimensions.
func Decode(r io.Reader, size int) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "imageio: decode")
	}
	return fit(img, size), nil
}

func fit(img image.Image, size int) image.Image {
	if size <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}

func pixel(c color.Color) colorful.Color {
	col, ok := colorful.MakeColor(c)
	if !ok {
		// Fully transparent pixels have no defined color.
		return colorful.Color{}
	}
	return col
}

// RGB converts img to a [3,H,W] tensor.
func RGB(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.New(3, h, w)
	d := t.Data()
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := pixel(img.At(b.Min.X+x, b.Min.Y+y))
			i := y*w + x
			d[i], d[plane+i], d[2*plane+i] = c.R, c.G, c.B
		}
	}
	return t
}

// Mask converts img to a [1,H,W] tensor holding its luma.
func Mask(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.New(1, h, w)
	d := t.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := pixel(img.At(b.Min.X+x, b.Min.Y+y))
			v := colorxform.LumaR*c.R + colorxform.LumaG*c.G + colorxform.LumaB*c.B
			// Pure white must map to exactly 1.
			if c.R == 1 && c.G == 1 && c.B == 1 {
				v = 1
			}
			d[y*w+x] = v
		}
	}
	return t
}

// Image converts a [3,H,W] tensor, or element 0 of a [N,3,H,W] batch, to an
// 8-bit image. Values are clamped to [0,1].
func Image(t *tensor.Tensor) (*image.NRGBA, error) {
	if t.Rank() == 4 {
		t = t.Element(0)
	}
	s := t.Shape()
	if len(s) != 3 || s[0] != 3 {
		return nil, errors.WithStack(&tensor.ShapeError{Op: "imageio.Image", Shapes: [][]int{s}, Reason: "want [3,H,W]"})
	}
	h, w := s[1], s[2]
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := colorful.Color{R: t.At(0, y, x), G: t.At(1, y, x), B: t.At(2, y, x)}.Clamped()
			// RGB255 rounds to the nearest level instead of truncating.
			r, g, bl := c.RGB255()
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: 255})
		}
	}
	return out, nil
}

// Save writes t as an image file; the format follows the extension.
func Save(t *tensor.Tensor, path string) error {
	img, err := Image(t)
	if err != nil {
		return err
	}
	return errors.Wrapf(imaging.Save(img, path, imaging.JPEGQuality(JPEGQuality)), "imageio: save %s", path)
}
