package qr

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Placeholder geometry and wrapping limits.
const (
	PlaceholderSize = 250
	LineWidth       = 25
	MaxLines        = 10
	Ellipsis        = "..."
)

var (
	colorBorder    = color.RGBA{0xdd, 0xdd, 0xdd, 0xff}
	colorTitle     = color.RGBA{0x33, 0x33, 0x33, 0xff}
	colorNotice    = color.RGBA{0xff, 0x6b, 0x6b, 0xff}
	colorSeparator = color.RGBA{0xee, 0xee, 0xee, 0xff}
	colorLabel     = color.RGBA{0x66, 0x66, 0x66, 0xff}
	colorMuted     = color.RGBA{0x99, 0x99, 0x99, 0xff}
)

// Placeholder is the text content of a degraded image.
type Placeholder struct {
	Title     string
	Notice    []string
	Label     string
	Lines     []string
	Truncated bool
	Footer    string
}

// Layout computes what the degraded image will show for text.
func Layout(text string) Placeholder {
	lines := wrap(text, LineWidth)
	truncated := len(lines) > MaxLines
	if truncated {
		lines = lines[:MaxLines]
	}
	return Placeholder{
		Title:     "QR code",
		Notice:    []string{"network unavailable", "could not generate QR code"},
		Label:     "Selected text:",
		Lines:     lines,
		Truncated: truncated,
		Footer:    "check your connection and retry",
	}
}

// wrap breaks text into lines of at most width runes, preferring word
// boundaries and hard-splitting words longer than a line.
func wrap(text string, width int) []string {
	var lines []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			lines = append(lines, string(cur))
			cur = cur[:0]
		}
	}

	for _, word := range strings.Fields(text) {
		w := []rune(word)
		for len(w) > width {
			flush()
			lines = append(lines, string(w[:width]))
			w = w[width:]
		}
		if len(w) == 0 {
			continue
		}
		switch {
		case len(cur) == 0:
			cur = append(cur, w...)
		case len(cur)+1+len(w) <= width:
			cur = append(cur, ' ')
			cur = append(cur, w...)
		default:
			flush()
			cur = append(cur, w...)
		}
	}
	flush()
	return lines
}

// Render draws the degraded placeholder for text as a PNG. It is pure and
// always succeeds.
func Render(text string) Image {
	p := Layout(text)

	img := image.NewRGBA(image.Rect(0, 0, PlaceholderSize, PlaceholderSize))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	strokeRect(img, 10, 10, PlaceholderSize-10, PlaceholderSize-10, 2, colorBorder)

	face := basicfont.Face7x13
	drawCentered(img, face, p.Title, 30, colorTitle)
	for i, line := range p.Notice {
		drawCentered(img, face, line, 50+i*15, colorNotice)
	}
	hline(img, 30, PlaceholderSize-30, 75, colorSeparator)
	drawCentered(img, face, p.Label, 92, colorLabel)

	y := 108
	for _, line := range p.Lines {
		drawCentered(img, face, line, y, colorTitle)
		y += 12
	}
	if p.Truncated {
		drawCentered(img, face, Ellipsis, y, colorMuted)
	}
	drawCentered(img, face, p.Footer, PlaceholderSize-6-face.Descent, colorMuted)

	var buf bytes.Buffer
	// bytes.Buffer writes cannot fail.
	_ = png.Encode(&buf, img)
	return Image{Data: buf.Bytes(), ContentType: "image/png"}
}

func drawCentered(dst draw.Image, face font.Face, s string, baseline int, c color.Color) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(s).Round()
	x := (PlaceholderSize - width) / 2
	if x < 12 {
		x = 12
	}
	d.Dot = fixed.P(x, baseline)
	d.DrawString(s)
}

func hline(dst *image.RGBA, x0, x1, y int, c color.Color) {
	for x := x0; x <= x1; x++ {
		dst.Set(x, y, c)
	}
}

func strokeRect(dst *image.RGBA, x0, y0, x1, y1, width int, c color.Color) {
	for w := 0; w < width; w++ {
		for x := x0; x <= x1; x++ {
			dst.Set(x, y0+w, c)
			dst.Set(x, y1-w, c)
		}
		for y := y0; y <= y1; y++ {
			dst.Set(x0+w, y, c)
			dst.Set(x1-w, y, c)
		}
	}
}
