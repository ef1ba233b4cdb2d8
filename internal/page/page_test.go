package page

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/sysinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// builtin forces the bitmap face so tests do not depend on installed fonts.
var builtin = FontConfig{Small: 12, Normal: 14, Large: 20}

func luma(img image.Image, x, y int) uint8 {
	return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y
}

func darkPixels(img image.Image, r image.Rectangle) int {
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if luma(img, x, y) < codec.DefaultThreshold {
				n++
			}
		}
	}
	return n
}

func TestNewCanvasIsBlank(t *testing.T) {
	t.Parallel()

	img := NewCanvas(builtin).Image()
	assert.Equal(t, image.Rect(0, 0, codec.Width, codec.Height), img.Bounds())
	assert.Zero(t, darkPixels(img, img.Bounds()))
}

func TestDrawBar(t *testing.T) {
	t.Parallel()

	c := NewCanvas(builtin)
	reg := Region{X: 10, Y: 10, W: 104, H: 12}
	c.DrawBar(reg, 50, 0, 100)
	img := c.Image()

	midY := reg.Y + reg.H/2
	assert.Less(t, luma(img, reg.X, midY), codec.DefaultThreshold, "outline")
	assert.Less(t, luma(img, reg.X+20, midY), codec.DefaultThreshold, "filled half")
	assert.GreaterOrEqual(t, luma(img, reg.X+80, midY), codec.DefaultThreshold, "empty half")
}

func TestDrawBarClampsAndIgnoresEmptyRange(t *testing.T) {
	t.Parallel()

	c := NewCanvas(builtin)
	c.DrawBar(Region{X: 0, Y: 0, W: 50, H: 10}, 500, 0, 100)
	c.DrawBar(Region{X: 0, Y: 20, W: 50, H: 10}, 5, 10, 10)
	img := c.Image()

	assert.Less(t, luma(img, 46, 5), codec.DefaultThreshold)
	assert.Zero(t, darkPixels(img, image.Rect(60, 0, codec.Width, codec.Height)))
	assert.GreaterOrEqual(t, luma(img, 25, 25), codec.DefaultThreshold)
}

func TestText(t *testing.T) {
	t.Parallel()

	img := Text(builtin, "Hello", []string{"my name is", "Badger"})
	require.Equal(t, image.Rect(0, 0, codec.Width, codec.Height), img.Bounds())

	assert.Positive(t, darkPixels(img, image.Rect(0, 0, codec.Width, 20)), "title")
	assert.Positive(t, darkPixels(img, image.Rect(0, 22, codec.Width, 60)), "body")
	assert.Zero(t, darkPixels(img, image.Rect(0, 100, codec.Width, codec.Height)))
}

func TestTextDropsOverflow(t *testing.T) {
	t.Parallel()

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "line"
	}
	img := Text(builtin, "", lines)
	assert.Zero(t, darkPixels(img, image.Rect(0, codec.Height-margin, codec.Width, codec.Height)))
}

func TestStatus(t *testing.T) {
	t.Parallel()

	snap := &sysinfo.Snapshot{
		Host: &sysinfo.HostInfo{Hostname: "workstation", Uptime: 26 * time.Hour},
		CPU:  &sysinfo.CPUInfo{Overall: 75, Load1: 1.5, Temp: 52},
		Mem:  &sysinfo.MemInfo{Used: 8 << 30, UsedPercent: 50},
		Top:  []sysinfo.ProcessMemInfo{{Name: "chrome", RSS: 2 << 30}},
	}
	img := Status(builtin, snap)
	require.Equal(t, image.Rect(0, 0, codec.Width, codec.Height), img.Bounds())
	assert.Positive(t, darkPixels(img, img.Bounds()))

	bm, err := codec.Prepare(img, codec.DefaultPrepareOptions())
	require.NoError(t, err)
	assert.Equal(t, codec.Width, bm.Width())
}

func TestStatusWithoutHost(t *testing.T) {
	t.Parallel()

	img := Status(builtin, &sysinfo.Snapshot{})
	assert.Positive(t, darkPixels(img, image.Rect(0, 0, codec.Width, 20)))
}
