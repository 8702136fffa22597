package transport

import (
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/internal/social"
	"github.com/pitabwire/bakehouse/model"
)

type renderRequest struct {
	TemplateID string        `json:"templateId" validate:"required"`
	Content    model.Content `json:"content"`
	Variant    string        `json:"variant,omitempty" validate:"omitempty,oneof=gradient flat"`
}

func handleSocialTemplates(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": registry.SocialTemplates()})
	}
}

func lookupSocialTemplate(registry *definition.Registry, id string) (model.Template, error) {
	tmpl, ok := registry.GetSocialTemplate(id)
	if !ok {
		return model.Template{}, model.NewNotFoundError("social template " + id + " not found")
	}
	return tmpl, nil
}

// handleSocialValidate reports whether content is complete for its template
// without rendering. A complete payload answers 200 with valid=true.
func handleSocialValidate(registry *definition.Registry, renderer social.ImageRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		tmpl, err := lookupSocialTemplate(registry, req.TemplateID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if err := renderer.Validate(tmpl, req.Content); err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "templateId": tmpl.ID})
	}
}

func handleSocialRender(registry *definition.Registry, renderer social.ImageRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		tmpl, err := lookupSocialTemplate(registry, req.TemplateID)
		if err != nil {
			respondError(w, r, err)
			return
		}

		var img model.RenderedImage
		if req.Variant == "" {
			img, err = renderer.RenderWithFallback(r.Context(), tmpl, req.Content)
		} else {
			img, err = renderer.RenderVariant(r.Context(), tmpl, req.Content, req.Variant)
		}
		if err != nil {
			respondError(w, r, err)
			return
		}

		observability.SessionLogger(r.Context(), zap.NewNop()).Debug("social image rendered",
			zap.String("template_id", tmpl.ID),
			zap.String("variant", img.Variant),
			zap.Int("bytes", len(img.Data)),
		)

		w.Header().Set("Content-Type", img.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": img.Filename}))
		w.Header().Set("X-Render-Variant", img.Variant)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img.Data)
	}
}
