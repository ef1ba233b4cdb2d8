package page

import (
	"fmt"
	"image"

	"github.com/aleksclark/badgerlink/internal/sysinfo"
)

const margin = 4

// Text renders a title over a rule followed by word-wrapped lines. Lines
// that do not fit are dropped.
func Text(fonts FontConfig, title string, lines []string) image.Image {
	c := NewCanvas(fonts)
	width := float64(c.Width() - 2*margin)
	y := float64(margin)

	if title != "" {
		if wrapped := c.Wrap(title, fonts.Large, width); len(wrapped) > 0 {
			y += c.DrawText(margin, y, wrapped[0], fonts.Large)
		}
		y += 3
		c.DrawLine(margin, y, float64(c.Width()-margin))
		y += 4
	}

	bottom := float64(c.Height() - margin)
	for _, line := range lines {
		for _, l := range c.Wrap(line, fonts.Normal, width) {
			h := c.useFont(fonts.Normal)
			if y+h > bottom {
				return c.Image()
			}
			c.DrawText(margin, y, l, fonts.Normal)
			y += h + 2
		}
	}
	return c.Image()
}

// Status renders host name, CPU and memory bars and the largest process
// groups from snap.
func Status(fonts FontConfig, snap *sysinfo.Snapshot) image.Image {
	c := NewCanvas(fonts)
	w := float64(c.Width() - 2*margin)
	y := float64(margin)

	name, uptime := "host", ""
	if snap.Host != nil {
		name = snap.Host.Hostname
		uptime = "up " + sysinfo.FormatUptime(snap.Host.Uptime)
	}
	h := c.DrawText(margin, y, name, fonts.Large)
	if uptime != "" {
		c.DrawTextRight(margin, y, w, uptime, fonts.Small)
	}
	y += h + 3
	c.DrawLine(margin, y, float64(c.Width()-margin))
	y += 5

	const labelW = 40
	barX := margin + labelW
	barW := c.Width() - margin - barX - 70

	if snap.CPU != nil {
		h = c.DrawText(margin, y, "CPU", fonts.Normal)
		c.DrawBar(Region{X: barX, Y: int(y), W: barW, H: int(h)}, snap.CPU.Overall, 0, 100)
		detail := fmt.Sprintf("%.0f%%", snap.CPU.Overall)
		if snap.CPU.Temp > 0 {
			detail += fmt.Sprintf(" %.0f°", snap.CPU.Temp)
		}
		c.DrawTextRight(margin, y, w, detail, fonts.Small)
		y += h + 4
	}

	if snap.Mem != nil {
		h = c.DrawText(margin, y, "MEM", fonts.Normal)
		c.DrawBar(Region{X: barX, Y: int(y), W: barW, H: int(h)}, snap.Mem.UsedPercent, 0, 100)
		c.DrawTextRight(margin, y, w, sysinfo.FormatBytes(snap.Mem.Used), fonts.Small)
		y += h + 4
	}

	if snap.CPU != nil {
		load := fmt.Sprintf("load %.2f %.2f %.2f", snap.CPU.Load1, snap.CPU.Load5, snap.CPU.Load15)
		y += c.DrawText(margin, y, load, fonts.Small) + 2
	}

	bottom := float64(c.Height() - margin)
	for _, p := range snap.Top {
		lh := c.useFont(fonts.Small)
		if y+lh > bottom {
			break
		}
		c.DrawText(margin, y, p.Name, fonts.Small)
		c.DrawTextRight(margin, y, w, sysinfo.FormatBytes(p.RSS), fonts.Small)
		y += lh + 1
	}

	return c.Image()
}
