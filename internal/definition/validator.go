package definition

import (
	"fmt"

	"github.com/pitabwire/bakehouse/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. Template IDs must be unique across files.
func (v *Validator) Validate(defs []model.DefinitionFile) []VError {
	var errs []VError
	productionIDs := make(map[string]string)
	socialIDs := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, p := range def.ProductionTemplates {
			pp := fmt.Sprintf("%s.production_templates[%d]", prefix, j)
			errs = append(errs, v.validateProduction(pp, p)...)
			if prev, dup := productionIDs[p.ID]; dup && p.ID != "" {
				errs = append(errs, VError{Path: pp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("production template %q already defined at %s", p.ID, prev)})
			}
			productionIDs[p.ID] = pp
		}
		for j, t := range def.SocialTemplates {
			tp := fmt.Sprintf("%s.social_templates[%d]", prefix, j)
			errs = append(errs, v.validateSocial(tp, t)...)
			if prev, dup := socialIDs[t.ID]; dup && t.ID != "" {
				errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("social template %q already defined at %s", t.ID, prev)})
			}
			socialIDs[t.ID] = tp
		}
	}
	return errs
}

func (v *Validator) validateProduction(prefix string, p model.ProductionTemplate) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if p.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if p.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(p.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepIDs := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
		}
		stepIDs[s.ID] = true

		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: "REQUIRED", Message: "name is required"})
		}
		switch s.Kind {
		case model.StepKindManual:
		case model.StepKindTimedWait:
			if s.Duration <= 0 {
				errs = append(errs, VError{Path: sp + ".duration", Code: "REQUIRED", Message: "timed-wait steps need a positive duration"})
			}
		default:
			errs = append(errs, VError{Path: sp + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step kind %q", s.Kind)})
		}
		if s.Duration < 0 {
			errs = append(errs, VError{Path: sp + ".duration", Code: "RANGE", Message: "duration must not be negative"})
		}
		for cond, minutes := range s.Conditions {
			if minutes < 0 {
				errs = append(errs, VError{Path: sp + ".conditions." + cond, Code: "RANGE", Message: "condition duration must not be negative"})
			}
		}
	}

	return errs
}

var validAnchors = map[string]bool{
	model.AnchorBottom: true, model.AnchorTop: true, model.AnchorLeft: true, model.AnchorRight: true,
}

func (v *Validator) validateSocial(prefix string, t model.Template) []VError {
	var errs []VError

	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if !t.Type.Valid() {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid template type %q", t.Type)})
	}
	if t.Width <= 0 || t.Height <= 0 || t.Width > 4096 || t.Height > 4096 {
		errs = append(errs, VError{Path: prefix + ".width", Code: "RANGE", Message: "width and height must be 1-4096"})
	}
	if len(t.TextElements) == 0 {
		errs = append(errs, VError{Path: prefix + ".text_elements", Code: "REQUIRED", Message: "at least one text element is required"})
	}

	ids := make(map[string]bool)
	for i, e := range t.TextElements {
		ep := fmt.Sprintf("%s.text_elements[%d]", prefix, i)
		if e.ID == "" {
			errs = append(errs, VError{Path: ep + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if ids[e.ID] {
			errs = append(errs, VError{Path: ep + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate element id %q", e.ID)})
		}
		ids[e.ID] = true
		if e.FontSize <= 0 {
			errs = append(errs, VError{Path: ep + ".font_size", Code: "RANGE", Message: "font_size must be positive"})
		}
		if e.MaxLength < 0 {
			errs = append(errs, VError{Path: ep + ".max_length", Code: "RANGE", Message: "max_length must not be negative"})
		}
	}
	for i, e := range t.ImageElements {
		ep := fmt.Sprintf("%s.image_elements[%d]", prefix, i)
		if e.ID == "" {
			errs = append(errs, VError{Path: ep + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if ids[e.ID] {
			errs = append(errs, VError{Path: ep + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate element id %q", e.ID)})
		}
		ids[e.ID] = true
	}

	colors := map[string]string{
		"colors.primary":              t.Colors.Primary,
		"colors.secondary":            t.Colors.Secondary,
		"colors.background":           t.Colors.Background,
		"colors.text":                 t.Colors.Text,
		"colors.accent":               t.Colors.Accent,
		"text_panel_style.color":      t.TextPanelStyle.Color,
		"text_panel_style.text_color": t.TextPanelStyle.TextColor,
	}
	for field, value := range colors {
		if _, err := model.ParseHexColor(value); err != nil {
			errs = append(errs, VError{Path: prefix + "." + field, Code: "INVALID_COLOR", Message: err.Error()})
		}
	}

	if t.TextPanelStyle.Opacity < 0 || t.TextPanelStyle.Opacity > 1 {
		errs = append(errs, VError{Path: prefix + ".text_panel_style.opacity", Code: "RANGE", Message: "opacity must be 0-1"})
	}
	if !validAnchors[t.TextPanelStyle.Anchor] {
		errs = append(errs, VError{Path: prefix + ".text_panel_style.anchor", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid anchor %q", t.TextPanelStyle.Anchor)})
	}

	return errs
}
