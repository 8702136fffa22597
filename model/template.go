package model

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// TemplateType enumerates the social media layouts.
type TemplateType string

// Template types.
const (
	TemplateDailySpecial TemplateType = "daily-special"
	TemplateBreadOfDay   TemplateType = "bread-of-day"
	TemplateOffer        TemplateType = "offer"
	TemplateBakeryNews   TemplateType = "bakery-news"
	TemplateMessage      TemplateType = "message"
)

// Valid reports whether t is one of the known template types.
func (t TemplateType) Valid() bool {
	switch t {
	case TemplateDailySpecial, TemplateBreadOfDay, TemplateOffer, TemplateBakeryNews, TemplateMessage:
		return true
	}
	return false
}

// TextElement is a text slot within a Template.
type TextElement struct {
	ID          string  `json:"id" yaml:"id"`
	Placeholder string  `json:"placeholder" yaml:"placeholder"`
	Required    bool    `json:"required" yaml:"required"`
	MaxLength   int     `json:"maxLength,omitempty" yaml:"max_length"`
	FontSize    float64 `json:"fontSize" yaml:"font_size"`
	FontWeight  string  `json:"fontWeight,omitempty" yaml:"font_weight"`
	Highlight   bool    `json:"highlight,omitempty" yaml:"highlight"`
}

// Bold reports whether the element renders with the bold face.
func (e TextElement) Bold() bool {
	return e.FontWeight == "bold" || e.FontWeight == "700" || e.FontWeight == "800" || e.FontWeight == "900"
}

// ImageElement is an image slot within a Template.
type ImageElement struct {
	ID           string `json:"id" yaml:"id"`
	Required     bool   `json:"required" yaml:"required"`
	IsBackground bool   `json:"isBackground,omitempty" yaml:"is_background"`
}

// Palette holds the fixed colors of a Template as hex strings (#rrggbb).
type Palette struct {
	Primary    string `json:"primary" yaml:"primary"`
	Secondary  string `json:"secondary" yaml:"secondary"`
	Background string `json:"background" yaml:"background"`
	Text       string `json:"text" yaml:"text"`
	Accent     string `json:"accent" yaml:"accent"`
}

// ParseHexColor parses "#rrggbb", "#rgb" or "#rrggbbaa" into an RGBA color.
func ParseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// Panel anchors.
const (
	AnchorBottom = "bottom"
	AnchorTop    = "top"
	AnchorLeft   = "left"
	AnchorRight  = "right"
)

// TextPanelStyle configures the semi-opaque region hosting the text.
type TextPanelStyle struct {
	Color     string  `json:"color" yaml:"color"`
	TextColor string  `json:"textColor" yaml:"text_color"`
	Opacity   float64 `json:"opacity" yaml:"opacity"`
	Anchor    string  `json:"anchor" yaml:"anchor"`
}

// Template is a fixed visual layout descriptor. Templates are static
// configuration and are never mutated at runtime.
type Template struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Type           TemplateType   `json:"type" yaml:"type"`
	Width          int            `json:"width" yaml:"width"`
	Height         int            `json:"height" yaml:"height"`
	TextElements   []TextElement  `json:"textElements" yaml:"text_elements"`
	ImageElements  []ImageElement `json:"imageElements" yaml:"image_elements"`
	Colors         Palette        `json:"colors" yaml:"colors"`
	TextPanelStyle TextPanelStyle `json:"textPanelStyle" yaml:"text_panel_style"`
}

// Content binds user input to a Template's slots. Image values are encoded
// image bytes (PNG or JPEG); in JSON they travel as base64.
type Content struct {
	Text   map[string]string `json:"text"`
	Images map[string][]byte `json:"images,omitempty"`
}

// Title returns the "title" text value, used for the export filename.
func (c Content) Title() string {
	if c.Text == nil {
		return ""
	}
	return c.Text["title"]
}

// RenderedImage is the output of a render: encoded bytes and a suggested
// filename.
type RenderedImage struct {
	Data        []byte `json:"-"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Variant     string `json:"variant"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}
