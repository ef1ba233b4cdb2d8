// Package codec turns arbitrary images into the 1-bit bitmaps shown by the badge.
//
// Every transform returns a new *image.Gray anchored at the origin; inputs are
// never modified.
package codec

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/gift"
	"github.com/nfnt/resize"
)

// Badge display geometry.
const (
	Width  = 296
	Height = 128
)

// DefaultThreshold is the luminance at or above which a pixel is white.
const DefaultThreshold uint8 = 128

var (
	// ErrInvalidDimensions is returned for non-positive or empty image sizes.
	ErrInvalidDimensions = errors.New("invalid dimensions")
	// ErrDecode is returned when an input image cannot be decoded.
	ErrDecode = errors.New("decode image")
)

func checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, w, h)
	}
	return nil
}

// Grayscale converts img to 8-bit luminance.
func Grayscale(img image.Image) *image.Gray {
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Invert returns the photographic negative of img.
func Invert(img image.Image) *image.Gray {
	g := gift.New(gift.Grayscale(), gift.Invert())
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Threshold maps every pixel to 255 if its luminance is >= level, otherwise 0.
func Threshold(img image.Image, level uint8) *image.Gray {
	src := toGray(img)
	dst := image.NewGray(src.Rect)
	for i, v := range src.Pix {
		if v >= level {
			dst.Pix[i] = 0xff
		}
	}
	return dst
}

// Resize scales img to w x h using bilinear interpolation.
func Resize(img image.Image, w, h int) (*image.Gray, error) {
	if err := checkDimensions(w, h); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return toGray(img), nil
	}
	return toGray(resize.Resize(uint(w), uint(h), img, resize.Bilinear)), nil
}

// DitherFloydSteinberg reduces img to pure black and white with classic
// Floyd-Steinberg error diffusion, producing a w x h result. Pixels are
// visited in raster order; error that would land outside the image is
// dropped rather than redistributed.
func DitherFloydSteinberg(img image.Image, w, h int) (*image.Gray, error) {
	src, err := Resize(img, w, h)
	if err != nil {
		return nil, err
	}

	vals := make([]float64, w*h)
	for i, v := range src.Pix {
		vals[i] = float64(v)
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			old := vals[i]
			var quant float64
			if old >= 128 {
				quant = 255
				dst.Pix[i] = 0xff
			}
			e := old - quant

			if x+1 < w {
				vals[i+1] += e * 7 / 16
			}
			if y+1 < h {
				below := i + w
				if x > 0 {
					vals[below-1] += e * 3 / 16
				}
				vals[below] += e * 5 / 16
				if x+1 < w {
					vals[below+1] += e * 1 / 16
				}
			}
		}
	}
	return dst, nil
}

// toGray returns img as an origin-anchored *image.Gray, converting when needed.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == g.Rect.Dx() {
		out := image.NewGray(g.Rect)
		copy(out.Pix, g.Pix)
		return out
	}
	return Grayscale(img)
}
