package social

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// Render variants. The flat variant paints a solid background, uses a
// cheaper scaler and degrades undecodable images to placeholders, so it
// succeeds wherever the gradient variant fails on content.
const (
	VariantGradient = "gradient"
	VariantFlat     = "flat"
)

const contentTypePNG = "image/png"

// Renderer produces PNG images from social templates. It holds no per-render
// state and is safe for concurrent use.
type Renderer struct {
	maxLines      int
	logoText      string
	brand         string
	maxImageBytes int64
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithMetrics records render metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the clock used for the export filename date.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// WithBrand sets the brand name painted in the header.
func WithBrand(brand string) Option {
	return func(r *Renderer) { r.brand = brand }
}

// NewRenderer creates a Renderer from the render configuration.
func NewRenderer(cfg config.RenderConfig, opts ...Option) *Renderer {
	r := &Renderer{
		maxLines:      cfg.MaxLines,
		logoText:      cfg.LogoText,
		maxImageBytes: cfg.MaxImageBytes,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	if r.maxLines <= 0 {
		r.maxLines = 5
	}
	if r.logoText == "" {
		r.logoText = "B"
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks content against tmpl without rendering.
func (r *Renderer) Validate(tmpl model.Template, content model.Content) error {
	return Validate(tmpl, content, r.maxImageBytes)
}

// Render validates content and renders the gradient variant.
func (r *Renderer) Render(ctx context.Context, tmpl model.Template, content model.Content) (model.RenderedImage, error) {
	return r.RenderVariant(ctx, tmpl, content, VariantGradient)
}

// RenderVariant validates content and renders the given variant. Nothing is
// returned but the error when validation or rasterization fails.
func (r *Renderer) RenderVariant(ctx context.Context, tmpl model.Template, content model.Content, variant string) (img model.RenderedImage, err error) {
	if variant != VariantGradient && variant != VariantFlat {
		return model.RenderedImage{}, model.NewBadRequestError(fmt.Sprintf("unknown render variant %q", variant))
	}

	ctx, span := observability.StartSpan(ctx, "social.Render",
		observability.AttrTemplateID.String(tmpl.ID),
		observability.AttrTemplateType.String(string(tmpl.Type)),
		observability.AttrVariant.String(variant),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	templateType := string(tmpl.Type)
	if err = r.Validate(tmpl, content); err != nil {
		if model.IsCode(err, model.ErrMissingRequiredField) {
			r.metrics.RecordRenderValidationFailure(templateType)
		}
		return model.RenderedImage{}, err
	}

	start := time.Now()
	data, rerr := r.rasterize(tmpl, content, variant)
	if rerr != nil {
		err = model.NewRenderFailureError(rerr)
		r.metrics.RecordRenderFailure(templateType, variant)
		observability.SessionLogger(ctx, r.logger).Warn("render failed",
			zap.String("template_id", tmpl.ID),
			zap.String("variant", variant),
			zap.Error(rerr),
		)
		return model.RenderedImage{}, err
	}
	r.metrics.RecordRender(templateType, variant, time.Since(start))

	return model.RenderedImage{
		Data:        data,
		ContentType: contentTypePNG,
		Filename:    r.filename(tmpl, content),
		Variant:     variant,
		Width:       tmpl.Width,
		Height:      tmpl.Height,
	}, nil
}

// RenderWithFallback renders the gradient variant and, on RENDER_FAILURE,
// retries once with the flat variant. Validation errors are returned as is.
func (r *Renderer) RenderWithFallback(ctx context.Context, tmpl model.Template, content model.Content) (model.RenderedImage, error) {
	img, err := r.RenderVariant(ctx, tmpl, content, VariantGradient)
	if err == nil || !model.IsCode(err, model.ErrRenderFailure) {
		return img, err
	}

	img, err = r.RenderVariant(ctx, tmpl, content, VariantFlat)
	if err != nil {
		return model.RenderedImage{}, err
	}
	r.metrics.RecordRenderFallback(string(tmpl.Type))
	observability.SessionLogger(ctx, r.logger).Info("render served by flat variant",
		zap.String("template_id", tmpl.ID),
	)
	return img, nil
}

func (r *Renderer) filename(tmpl model.Template, content model.Content) string {
	title := content.Title()
	if title == "" {
		title = tmpl.Name
	}
	return Filename(title, r.now())
}
