// Package page renders host-side pages onto a badge-sized canvas.
package page

import (
	"image"
	"image/color"
	"os"

	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/fogleman/gg"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
)

var (
	ink   = color.Black
	paper = color.White
)

// FontConfig holds font configuration. An empty Path uses the built-in
// 7x13 bitmap face.
type FontConfig struct {
	Path   string
	Small  float64
	Normal float64
	Large  float64
}

var fontSearchPaths = []string{
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/LiberationSans-Regular.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
	"/usr/share/fonts/noto/NotoSans-Regular.ttf",
	"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
	"/System/Library/Fonts/Supplemental/Arial.ttf",
	"/Library/Fonts/Arial.ttf",
	"C:/Windows/Fonts/arial.ttf",
}

func findFont() string {
	for _, path := range fontSearchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultFontConfig picks the first installed font from common locations.
func DefaultFontConfig() FontConfig {
	return FontConfig{
		Path:   findFont(),
		Small:  12,
		Normal: 14,
		Large:  20,
	}
}

// Region represents a rectangular area on the canvas.
type Region struct {
	X, Y, W, H int
}

// Canvas is a white badge-sized drawing surface with black ink.
type Canvas struct {
	dc    *gg.Context
	faces map[float64]font.Face
	fonts FontConfig
}

// NewCanvas returns a blank canvas the size of the badge display.
func NewCanvas(fonts FontConfig) *Canvas {
	dc := gg.NewContext(codec.Width, codec.Height)
	dc.SetColor(paper)
	dc.Clear()
	return &Canvas{dc: dc, fonts: fonts, faces: make(map[float64]font.Face)}
}

func (c *Canvas) Width() int  { return c.dc.Width() }
func (c *Canvas) Height() int { return c.dc.Height() }

// Image returns the rendered canvas.
func (c *Canvas) Image() image.Image {
	return c.dc.Image()
}

// useFont selects a face of the given size and returns its line height.
func (c *Canvas) useFont(size float64) float64 {
	if c.fonts.Path != "" {
		face, ok := c.faces[size]
		if !ok {
			var err error
			face, err = gg.LoadFontFace(c.fonts.Path, size)
			if err != nil {
				log.Debug().Err(err).Str("font", c.fonts.Path).Msg("falling back to built-in face")
				c.fonts.Path = ""
			} else {
				c.faces[size] = face
			}
		}
		if face != nil {
			c.dc.SetFontFace(face)
			return size
		}
	}
	c.dc.SetFontFace(basicfont.Face7x13)
	return float64(basicfont.Face7x13.Height)
}

// DrawText draws text with its top-left corner at x, y and returns the
// line height used.
func (c *Canvas) DrawText(x, y float64, text string, size float64) float64 {
	h := c.useFont(size)
	c.dc.SetColor(ink)
	c.dc.DrawStringAnchored(text, x, y, 0, 1)
	return h
}

// DrawTextRight draws text right-aligned within [x, x+width].
func (c *Canvas) DrawTextRight(x, y, width float64, text string, size float64) {
	c.useFont(size)
	c.dc.SetColor(ink)
	c.dc.DrawStringAnchored(text, x+width, y, 1, 1)
}

// Wrap splits text into lines no wider than width at the given size.
func (c *Canvas) Wrap(text string, size, width float64) []string {
	c.useFont(size)
	return c.dc.WordWrap(text, width)
}

// DrawBar draws an outlined bar filled in proportion to value.
func (c *Canvas) DrawBar(reg Region, value, lo, hi float64) {
	c.dc.SetColor(paper)
	c.dc.DrawRectangle(float64(reg.X), float64(reg.Y), float64(reg.W), float64(reg.H))
	c.dc.Fill()

	c.dc.SetColor(ink)
	c.dc.SetLineWidth(1)
	c.dc.DrawRectangle(float64(reg.X)+0.5, float64(reg.Y)+0.5, float64(reg.W)-1, float64(reg.H)-1)
	c.dc.Stroke()

	if value <= lo || hi <= lo {
		return
	}
	pct := (value - lo) / (hi - lo)
	if pct > 1 {
		pct = 1
	}
	fillW := float64(reg.W-4) * pct
	c.dc.DrawRectangle(float64(reg.X+2), float64(reg.Y+2), fillW, float64(reg.H-4))
	c.dc.Fill()
}

// DrawLine draws a one pixel horizontal rule.
func (c *Canvas) DrawLine(x1, y, x2 float64) {
	c.dc.SetColor(ink)
	c.dc.DrawRectangle(x1, y, x2-x1, 1)
	c.dc.Fill()
}
