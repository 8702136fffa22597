package social

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// ImageRenderer is implemented by Renderer and CachedRenderer.
type ImageRenderer interface {
	Validate(tmpl model.Template, content model.Content) error
	RenderVariant(ctx context.Context, tmpl model.Template, content model.Content, variant string) (model.RenderedImage, error)
	RenderWithFallback(ctx context.Context, tmpl model.Template, content model.Content) (model.RenderedImage, error)
}

const modeFallback = "auto"

// CachedRenderer serves renders from a RenderCache. Cache errors are logged
// and the render proceeds uncached.
type CachedRenderer struct {
	renderer *Renderer
	cache    RenderCache
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewCachedRenderer wraps renderer with cache.
func NewCachedRenderer(renderer *Renderer, cache RenderCache) *CachedRenderer {
	return &CachedRenderer{
		renderer: renderer,
		cache:    cache,
		metrics:  renderer.metrics,
		logger:   renderer.logger,
	}
}

// Validate checks content without rendering.
func (c *CachedRenderer) Validate(tmpl model.Template, content model.Content) error {
	return c.renderer.Validate(tmpl, content)
}

// RenderVariant renders the given variant through the cache.
func (c *CachedRenderer) RenderVariant(ctx context.Context, tmpl model.Template, content model.Content, variant string) (model.RenderedImage, error) {
	return c.render(ctx, tmpl, content, variant, func(ctx context.Context) (model.RenderedImage, error) {
		return c.renderer.RenderVariant(ctx, tmpl, content, variant)
	})
}

// RenderWithFallback renders with flat fallback through the cache.
func (c *CachedRenderer) RenderWithFallback(ctx context.Context, tmpl model.Template, content model.Content) (model.RenderedImage, error) {
	return c.render(ctx, tmpl, content, modeFallback, func(ctx context.Context) (model.RenderedImage, error) {
		return c.renderer.RenderWithFallback(ctx, tmpl, content)
	})
}

// HealthCheck reports the cache's health.
func (c *CachedRenderer) HealthCheck(ctx context.Context) error {
	return c.cache.HealthCheck(ctx)
}

func (c *CachedRenderer) render(ctx context.Context, tmpl model.Template, content model.Content, mode string, fn func(context.Context) (model.RenderedImage, error)) (model.RenderedImage, error) {
	logger := observability.SessionLogger(ctx, c.logger)
	driver := c.cache.Driver()

	key, err := CacheKey(tmpl, content, mode)
	if err != nil {
		logger.Warn("render cache key", zap.Error(err))
		return fn(ctx)
	}

	img, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("render cache get failed", zap.String("driver", driver), zap.Error(err))
	}
	if ok {
		c.metrics.RecordRenderCacheHit(driver)
		_, span := observability.StartSpan(ctx, "social.RenderCacheHit",
			observability.AttrTemplateID.String(tmpl.ID),
			observability.AttrCacheHit.Bool(true),
		)
		span.End()
		img.Filename = c.renderer.filename(tmpl, content)
		return img, nil
	}
	c.metrics.RecordRenderCacheMiss(driver)

	img, err = fn(ctx)
	if err != nil {
		return model.RenderedImage{}, err
	}
	if err := c.cache.Set(ctx, key, img); err != nil {
		logger.Warn("render cache set failed", zap.String("driver", driver), zap.Error(err))
	}
	return img, nil
}
