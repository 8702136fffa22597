package social

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pitabwire/bakehouse/model"
)

// MissingFields returns the ids of required elements that content leaves
// empty, text elements first, each group in template order.
func MissingFields(tmpl model.Template, content model.Content) []string {
	var missing []string
	for _, el := range tmpl.TextElements {
		if el.Required && strings.TrimSpace(content.Text[el.ID]) == "" {
			missing = append(missing, el.ID)
		}
	}
	for _, el := range tmpl.ImageElements {
		if el.Required && len(content.Images[el.ID]) == 0 {
			missing = append(missing, el.ID)
		}
	}
	return missing
}

// Validate checks content against tmpl. Missing required elements yield a
// MISSING_REQUIRED_FIELD error naming all of them. Otherwise, over-long text
// and over-sized images yield a VALIDATION_ERROR.
func Validate(tmpl model.Template, content model.Content, maxImageBytes int64) error {
	if missing := MissingFields(tmpl, content); len(missing) > 0 {
		return model.NewMissingRequiredFieldError(missing)
	}

	var details []model.FieldError
	for _, el := range tmpl.TextElements {
		if el.MaxLength > 0 && utf8.RuneCountInString(content.Text[el.ID]) > el.MaxLength {
			details = append(details, model.FieldError{
				Field:   el.ID,
				Code:    "MAX_LENGTH",
				Message: fmt.Sprintf("%s must be at most %d characters", el.ID, el.MaxLength),
			})
		}
	}
	if maxImageBytes > 0 {
		for _, el := range tmpl.ImageElements {
			if int64(len(content.Images[el.ID])) > maxImageBytes {
				details = append(details, model.FieldError{
					Field:   el.ID,
					Code:    "TOO_LARGE",
					Message: fmt.Sprintf("%s exceeds %d bytes", el.ID, maxImageBytes),
				})
			}
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
