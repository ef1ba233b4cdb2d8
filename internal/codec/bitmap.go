package codec

import (
	"image"
)

// Bitmap is a row-major grid of 1-bit pixels. A set bit is white (paper),
// a clear bit is black (ink).
type Bitmap struct {
	width  int
	height int
	bits   []bool
}

// NewBitmap returns an all-black bitmap of the given size.
func NewBitmap(w, h int) (*Bitmap, error) {
	if err := checkDimensions(w, h); err != nil {
		return nil, err
	}
	return &Bitmap{width: w, height: h, bits: make([]bool, w*h)}, nil
}

// Width returns the bitmap width in pixels.
func (b *Bitmap) Width() int { return b.width }

// Height returns the bitmap height in pixels.
func (b *Bitmap) Height() int { return b.height }

// At reports whether the pixel at (x, y) is white.
func (b *Bitmap) At(x, y int) bool {
	return b.bits[y*b.width+x]
}

// Set sets the pixel at (x, y).
func (b *Bitmap) Set(x, y int, white bool) {
	b.bits[y*b.width+x] = white
}

// Equal reports whether both bitmaps have the same size and pixels.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if b.width != o.width || b.height != o.height {
		return false
	}
	for i := range b.bits {
		if b.bits[i] != o.bits[i] {
			return false
		}
	}
	return true
}

// Image renders the bitmap as a grayscale image using 0 and 255.
func (b *Bitmap) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.width, b.height))
	for i, white := range b.bits {
		if white {
			img.Pix[i] = 0xff
		}
	}
	return img
}

// ToBinary converts img to a bitmap. A pixel is white when its luminance is
// at least threshold.
func ToBinary(img image.Image, threshold uint8) (*Bitmap, error) {
	g := toGray(img)
	bm, err := NewBitmap(g.Rect.Dx(), g.Rect.Dy())
	if err != nil {
		return nil, err
	}
	for i, v := range g.Pix {
		bm.bits[i] = v >= threshold
	}
	return bm, nil
}

// PrepareOptions controls how Prepare fits an image to a display.
type PrepareOptions struct {
	Width     int
	Height    int
	Threshold uint8
	Dither    bool
}

// DefaultPrepareOptions targets the badge display with dithering enabled.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		Width:     Width,
		Height:    Height,
		Threshold: DefaultThreshold,
		Dither:    true,
	}
}

// Prepare scales img to the target size, optionally dithers it, and
// binarizes the result.
func Prepare(img image.Image, opts PrepareOptions) (*Bitmap, error) {
	var (
		g   *image.Gray
		err error
	)
	if opts.Dither {
		g, err = DitherFloydSteinberg(img, opts.Width, opts.Height)
	} else {
		g, err = Resize(img, opts.Width, opts.Height)
	}
	if err != nil {
		return nil, err
	}
	return ToBinary(g, opts.Threshold)
}
