package social

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/pitabwire/bakehouse/model"
)

const (
	maxSourcePixels = 40_000_000
	defaultFontSize = 32.0
	defaultOpacity  = 0.75
	mediaFraction   = 0.6
)

var shadowColor = color.NRGBA{A: 140}

type palette struct {
	primary, secondary, background, text, accent color.RGBA
	panel, panelText                             color.RGBA
	opacity                                      float64
}

func parsePalette(tmpl model.Template) (palette, error) {
	var p palette
	fields := []struct {
		dst  *color.RGBA
		hex  string
		name string
	}{
		{&p.primary, tmpl.Colors.Primary, "primary"},
		{&p.secondary, orDefault(tmpl.Colors.Secondary, tmpl.Colors.Primary), "secondary"},
		{&p.background, orDefault(tmpl.Colors.Background, "#ffffff"), "background"},
		{&p.text, orDefault(tmpl.Colors.Text, "#000000"), "text"},
		{&p.accent, orDefault(tmpl.Colors.Accent, tmpl.Colors.Primary), "accent"},
		{&p.panel, orDefault(tmpl.TextPanelStyle.Color, tmpl.Colors.Primary), "panel"},
		{&p.panelText, orDefault(tmpl.TextPanelStyle.TextColor, "#ffffff"), "panel text"},
	}
	for _, f := range fields {
		c, err := model.ParseHexColor(f.hex)
		if err != nil {
			return palette{}, fmt.Errorf("%s color: %w", f.name, err)
		}
		*f.dst = c
	}

	p.opacity = tmpl.TextPanelStyle.Opacity
	if p.opacity <= 0 {
		p.opacity = defaultOpacity
	}
	p.opacity = math.Min(p.opacity, 1)
	return p, nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// layout holds the fixed regions of a canvas.
type layout struct {
	margin int
	header image.Rectangle
	panel  image.Rectangle
	text   image.Rectangle
	media  image.Rectangle
	logo   image.Rectangle
}

func computeLayout(w, h int, anchor string) layout {
	m := max(8, min(w, h)/27)
	headerH := max(48, h/10)
	l := layout{
		margin: m,
		header: image.Rect(m, m, w-m, m+headerH),
	}
	below := l.header.Max.Y + m/2

	switch anchor {
	case model.AnchorTop:
		ph := (h - below) * 2 / 5
		l.panel = image.Rect(0, below, w, below+ph)
		l.media = image.Rect(m, l.panel.Max.Y+m/2, w-m, h-m)
	case model.AnchorLeft:
		pw := w * 9 / 20
		l.panel = image.Rect(0, below, pw, h)
		l.media = image.Rect(pw+m/2, below, w-m, h-m)
	case model.AnchorRight:
		pw := w * 9 / 20
		l.panel = image.Rect(w-pw, below, w, h)
		l.media = image.Rect(m, below, w-pw-m/2, h-m)
	default:
		ph := h * 2 / 5
		l.panel = image.Rect(0, h-ph, w, h)
		l.media = image.Rect(m, below, w-m, l.panel.Min.Y-m/2)
	}

	d := max(32, min(w, h)/10)
	l.logo = image.Rect(w-m-d, h-m-d, w-m, h-m)

	l.text = l.panel.Inset(m)
	if l.text.Overlaps(l.logo) {
		l.text.Max.X = l.logo.Min.X - m/2
	}
	return l
}

// rasterize paints the template onto a fresh canvas and encodes it. Panics
// from the drawing libraries are returned as errors.
func (r *Renderer) rasterize(tmpl model.Template, content model.Content, variant string) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("rasterizer panic: %v", p)
		}
	}()

	pal, err := parsePalette(tmpl)
	if err != nil {
		return nil, err
	}
	faces, err := newFaceSet()
	if err != nil {
		return nil, err
	}
	defer faces.close()

	canvas := image.NewRGBA(image.Rect(0, 0, tmpl.Width, tmpl.Height))
	l := computeLayout(tmpl.Width, tmpl.Height, tmpl.TextPanelStyle.Anchor)

	if err := paintBackground(canvas, tmpl, content, pal, variant); err != nil {
		return nil, err
	}
	if err := r.paintHeader(canvas, faces, pal, l); err != nil {
		return nil, err
	}
	if err := paintMedia(canvas, faces, tmpl, content, pal, l, variant); err != nil {
		return nil, err
	}
	paintPanel(canvas, pal, l.panel)
	if err := r.paintText(canvas, faces, tmpl, content, pal, l.text); err != nil {
		return nil, err
	}
	if err := paintBadge(canvas, faces, l.logo, pal.accent, pal.panelText, r.logoText); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func scalerFor(variant string) draw.Scaler {
	if variant == VariantFlat {
		return draw.ApproxBiLinear
	}
	return draw.CatmullRom
}

func paintBackground(canvas *image.RGBA, tmpl model.Template, content model.Content, pal palette, variant string) error {
	var bg []byte
	for _, el := range tmpl.ImageElements {
		if el.IsBackground && len(content.Images[el.ID]) > 0 {
			bg = content.Images[el.ID]
			break
		}
	}

	if variant == VariantFlat {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(pal.primary), image.Point{}, draw.Src)
	} else {
		fillGradient(canvas, pal.primary, pal.secondary)
	}
	if bg == nil {
		return nil
	}

	src, err := decodeImage(bg)
	if err != nil {
		if variant == VariantFlat {
			return nil
		}
		return fmt.Errorf("background image: %w", err)
	}
	dst := coverRect(src.Bounds().Size(), canvas.Bounds())
	scalerFor(variant).Scale(canvas, dst, src, src.Bounds(), draw.Over, nil)
	return nil
}

// fillGradient paints a vertical linear gradient from top to bottom.
func fillGradient(img *image.RGBA, top, bottom color.RGBA) {
	b := img.Bounds()
	h := b.Dy()
	for y := 0; y < h; y++ {
		t := 0.0
		if h > 1 {
			t = float64(y) / float64(h-1)
		}
		c := lerp(top, bottom, t)
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			row[x], row[x+1], row[x+2], row[x+3] = c.R, c.G, c.B, c.A
		}
	}
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

func (r *Renderer) paintHeader(canvas *image.RGBA, faces *faceSet, pal palette, l layout) error {
	d := l.header.Dy() * 7 / 10
	top := l.header.Min.Y + (l.header.Dy()-d)/2
	mark := image.Rect(l.header.Min.X, top, l.header.Min.X+d, top+d)
	if err := paintBadge(canvas, faces, mark, pal.accent, pal.panelText, r.logoText); err != nil {
		return err
	}
	if r.brand == "" {
		return nil
	}

	size := float64(d) * 0.55
	face, err := faces.face(size, true)
	if err != nil {
		return err
	}
	baseline := mark.Min.Y + (d+face.Metrics().Ascent.Ceil()-face.Metrics().Descent.Ceil())/2
	drawShadowed(canvas, face, mark.Max.X+l.margin/2, baseline, r.brand, pal.panelText, shadowOffset(size))
	return nil
}

func paintMedia(canvas *image.RGBA, faces *faceSet, tmpl model.Template, content model.Content, pal palette, l layout, variant string) error {
	if l.media.Empty() {
		return nil
	}

	var slots []model.ImageElement
	for _, el := range tmpl.ImageElements {
		if el.IsBackground {
			continue
		}
		if el.Required || len(content.Images[el.ID]) > 0 {
			slots = append(slots, el)
		}
	}
	if len(slots) == 0 {
		return nil
	}

	maxW := int(float64(canvas.Bounds().Dx()) * mediaFraction)
	maxH := int(float64(canvas.Bounds().Dy()) * mediaFraction)
	cw := l.media.Dx() / len(slots)
	for i, el := range slots {
		cell := image.Rect(l.media.Min.X+i*cw, l.media.Min.Y, l.media.Min.X+(i+1)*cw, l.media.Max.Y).Inset(l.margin / 4)
		box := centeredRect(image.Pt(min(cell.Dx(), maxW), min(cell.Dy(), maxH)), cell)

		data := content.Images[el.ID]
		if len(data) == 0 {
			if err := paintPlaceholder(canvas, faces, box, pal, "Bild fehlt: "+el.ID); err != nil {
				return err
			}
			continue
		}
		src, err := decodeImage(data)
		if err != nil {
			if variant == VariantFlat {
				if err := paintPlaceholder(canvas, faces, box, pal, "Bild nicht lesbar: "+el.ID); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("image %s: %w", el.ID, err)
		}
		scalerFor(variant).Scale(canvas, containRect(src.Bounds().Size(), box), src, src.Bounds(), draw.Over, nil)
	}
	return nil
}

func paintPlaceholder(canvas *image.RGBA, faces *faceSet, box image.Rectangle, pal palette, label string) error {
	draw.Draw(canvas, box, image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 90}), image.Point{}, draw.Over)
	border := image.NewUniform(pal.panelText)
	const t = 3
	for _, edge := range []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+t),
		image.Rect(box.Min.X, box.Max.Y-t, box.Max.X, box.Max.Y),
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+t, box.Max.Y),
		image.Rect(box.Max.X-t, box.Min.Y, box.Max.X, box.Max.Y),
	} {
		draw.Draw(canvas, edge.Intersect(box), border, image.Point{}, draw.Src)
	}

	size := math.Max(12, float64(box.Dy())/12)
	face, err := faces.face(size, false)
	if err != nil {
		return err
	}
	w := font.MeasureString(face, label).Ceil()
	x := box.Min.X + (box.Dx()-w)/2
	y := box.Min.Y + (box.Dy()+face.Metrics().Ascent.Ceil())/2
	clip := canvas.SubImage(box).(*image.RGBA)
	drawShadowed(clip, face, x, y, label, pal.panelText, shadowOffset(size))
	return nil
}

func paintPanel(canvas *image.RGBA, pal palette, panel image.Rectangle) {
	fill := color.NRGBA{
		R: pal.panel.R, G: pal.panel.G, B: pal.panel.B,
		A: uint8(math.Round(pal.opacity * 255)),
	}
	draw.Draw(canvas, panel, image.NewUniform(fill), image.Point{}, draw.Over)
}

func (r *Renderer) paintText(canvas *image.RGBA, faces *faceSet, tmpl model.Template, content model.Content, pal palette, area image.Rectangle) error {
	if area.Empty() {
		return nil
	}
	clip := canvas.SubImage(area).(*image.RGBA)

	y := area.Min.Y
	for _, el := range tmpl.TextElements {
		value := strings.TrimSpace(content.Text[el.ID])
		col := color.NRGBA{R: pal.panelText.R, G: pal.panelText.G, B: pal.panelText.B, A: 255}
		if el.Highlight {
			col = color.NRGBA{R: pal.accent.R, G: pal.accent.G, B: pal.accent.B, A: 255}
		}
		if value == "" {
			value = el.Placeholder
			col.A = 170
		}
		if value == "" {
			continue
		}

		size := el.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		face, err := faces.face(size, el.Bold())
		if err != nil {
			return err
		}
		lineH := int(math.Ceil(size * 1.2))
		ascent := face.Metrics().Ascent.Ceil()

		for _, line := range WrapText(measurer(face), value, area.Dx(), r.maxLines) {
			if y >= area.Max.Y {
				return nil
			}
			drawShadowed(clip, face, area.Min.X, y+ascent, line, col, shadowOffset(size))
			y += lineH
		}
		y += lineH / 3
	}
	return nil
}

// paintBadge draws a filled circle inscribed in rect with label centered.
func paintBadge(canvas *image.RGBA, faces *faceSet, rect image.Rectangle, fill, ink color.RGBA, label string) error {
	d := min(rect.Dx(), rect.Dy())
	c := &circle{center: image.Pt(rect.Min.X+d/2, rect.Min.Y+d/2), r: d / 2}
	draw.DrawMask(canvas, c.Bounds(), image.NewUniform(fill), image.Point{}, c, c.Bounds().Min, draw.Over)

	size := float64(d) * 0.55
	face, err := faces.face(size, true)
	if err != nil {
		return err
	}
	w := font.MeasureString(face, label).Ceil()
	m := face.Metrics()
	baseline := c.center.Y + (m.Ascent.Ceil()-m.Descent.Ceil())/2
	drawText(canvas, face, c.center.X-w/2, baseline, label, ink)
	return nil
}

func shadowOffset(size float64) int {
	return max(1, int(size/24))
}

func drawShadowed(dst draw.Image, face font.Face, x, baseline int, s string, col color.Color, offset int) {
	drawText(dst, face, x+offset, baseline+offset, s, shadowColor)
	drawText(dst, face, x, baseline, s, col)
}

func drawText(dst draw.Image, face font.Face, x, baseline int, s string, col color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(s)
}

type circle struct {
	center image.Point
	r      int
}

func (c *circle) ColorModel() color.Model { return color.AlphaModel }

func (c *circle) Bounds() image.Rectangle {
	return image.Rect(c.center.X-c.r, c.center.Y-c.r, c.center.X+c.r, c.center.Y+c.r)
}

func (c *circle) At(x, y int) color.Color {
	dx := float64(x-c.center.X) + 0.5
	dy := float64(y-c.center.Y) + 0.5
	if dx*dx+dy*dy <= float64(c.r*c.r) {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}

func decodeImage(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return nil, fmt.Errorf("image dimensions %dx%d out of range", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// containRect fits size into box preserving aspect ratio, centered.
func containRect(size image.Point, box image.Rectangle) image.Rectangle {
	s := math.Min(float64(box.Dx())/float64(size.X), float64(box.Dy())/float64(size.Y))
	return centeredRect(image.Pt(int(math.Round(float64(size.X)*s)), int(math.Round(float64(size.Y)*s))), box)
}

// coverRect scales size to cover box preserving aspect ratio, centered. The
// result may extend past box.
func coverRect(size image.Point, box image.Rectangle) image.Rectangle {
	s := math.Max(float64(box.Dx())/float64(size.X), float64(box.Dy())/float64(size.Y))
	return centeredRect(image.Pt(int(math.Ceil(float64(size.X)*s)), int(math.Ceil(float64(size.Y)*s))), box)
}

func centeredRect(size image.Point, box image.Rectangle) image.Rectangle {
	x := box.Min.X + (box.Dx()-size.X)/2
	y := box.Min.Y + (box.Dy()-size.Y)/2
	return image.Rect(x, y, x+size.X, y+size.Y)
}
