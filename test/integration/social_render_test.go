package integration

import (
	"bytes"
	"context"
	"image/png"
	"mime"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/model"
)

func dailySpecial(title, price string) map[string]any {
	return RenderRequest("daily-special-square", map[string]string{
		"title":       title,
		"description": "Mit Kürbiskernen und Sonnenblumenkernen",
		"price":       price,
	})
}

// renderPNG posts req and returns the decoded response after checking it is a
// PNG of the expected size.
func renderPNG(t *testing.T, h *TestHarness, token string, req any, width, height int) ([]byte, *http.Response) {
	t.Helper()

	resp := h.POST("/api/social/render", req, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("render status = %d, body: %s", resp.StatusCode, h.ReadBody(resp))
	}
	data := h.ReadBody(resp)

	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if cfg.Width != width || cfg.Height != height {
		t.Errorf("image = %dx%d, want %dx%d", cfg.Width, cfg.Height, width, height)
	}
	return data, resp
}

// ==========================================================================
// Rendering
// ==========================================================================

func TestSocial_RenderDailySpecial(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	_, resp := renderPNG(t, h, token, dailySpecial("Dinkel-Körnerbrot", "4,50 €"), 1080, 1080)

	if v := resp.Header.Get("X-Render-Variant"); v != "gradient" {
		t.Errorf("X-Render-Variant = %q, want gradient", v)
	}
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil {
		t.Fatalf("parse Content-Disposition: %v", err)
	}
	filename := params["filename"]
	if !strings.HasPrefix(filename, "dinkel-koernerbrot-") || !strings.HasSuffix(filename, ".png") {
		t.Errorf("filename = %q", filename)
	}
	if got := testutil.CollectAndCount(h.Metrics.RenderDuration); got == 0 {
		t.Error("render duration not observed")
	}
}

func TestSocial_RenderFlatVariant(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	req := dailySpecial("Apfelstrudel", "3,20 €")
	req["variant"] = "flat"

	_, resp := renderPNG(t, h, token, req, 1080, 1080)
	if v := resp.Header.Get("X-Render-Variant"); v != "flat" {
		t.Errorf("X-Render-Variant = %q, want flat", v)
	}
}

func TestSocial_UnknownVariantRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	req := dailySpecial("Apfelstrudel", "3,20 €")
	req["variant"] = "sepia"

	h.AssertErrorCode(t, h.POST("/api/social/render", req, token), http.StatusUnprocessableEntity, model.ErrValidationError)
}

func TestSocial_MissingRequiredFields(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	req := RenderRequest("daily-special-square", map[string]string{"description": "nur Beschreibung"})
	resp := h.POST("/api/social/render", req, token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	var body ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error.Code != model.ErrMissingRequiredField {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrMissingRequiredField)
	}
	var fields []string
	for _, d := range body.Error.Details {
		fields = append(fields, d.Field)
	}
	if strings.Join(fields, ",") != "title,price" {
		t.Errorf("missing fields = %v, want [title price]", fields)
	}
	if got := testutil.ToFloat64(h.Metrics.RenderValidationFailures.WithLabelValues("daily-special")); got != 1 {
		t.Errorf("validation failures = %v, want 1", got)
	}
}

func TestSocial_WhitespaceTitleCountsAsMissing(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	resp := h.POST("/api/social/render", dailySpecial("   ", "2,00 €"), token)
	h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, model.ErrMissingRequiredField)
}

func TestSocial_UnknownTemplate(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	resp := h.POST("/api/social/render", RenderRequest("christmas-story", map[string]string{"title": "x"}), token)
	h.AssertErrorCode(t, resp, http.StatusNotFound, model.ErrNotFound)
}

// ==========================================================================
// Validation Endpoint
// ==========================================================================

func TestSocial_ValidateCompleteContent(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	var body struct {
		Valid      bool   `json:"valid"`
		TemplateID string `json:"templateId"`
	}
	h.AssertJSON(t, h.POST("/api/social/validate", dailySpecial("Laugenbrezel", "1,20 €"), token), http.StatusOK, &body)
	if !body.Valid || body.TemplateID != "daily-special-square" {
		t.Errorf("validate = %+v", body)
	}
}

func TestSocial_ValidateOverlongText(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	resp := h.POST("/api/social/validate", dailySpecial(strings.Repeat("Brot", 11), "1,20 €"), token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error.Code != model.ErrValidationError {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrValidationError)
	}
	if len(body.Error.Details) != 1 || body.Error.Details[0].Field != "title" || body.Error.Details[0].Code != "MAX_LENGTH" {
		t.Errorf("details = %s", FormatJSON(body.Error.Details))
	}
}

// ==========================================================================
// Templates
// ==========================================================================

func TestSocial_ListTemplates(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())

	var body struct {
		Data []model.Template `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/social/templates", token), http.StatusOK, &body)

	ids := map[string]bool{}
	for _, tmpl := range body.Data {
		ids[tmpl.ID] = true
	}
	for _, want := range []string{"daily-special-square", "bread-of-day-square", "offer-square", "bakery-news-square"} {
		if !ids[want] {
			t.Errorf("template %q missing from %v", want, ids)
		}
	}
}

func TestSocial_CustomDefinitions(t *testing.T) {
	h := NewTestHarness(t, WithDefinitions("definitions"))
	token := h.GenerateToken(MarketingClaims())

	var body struct {
		Data []model.Template `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/social/templates", token), http.StatusOK, &body)
	if len(body.Data) != 1 || body.Data[0].ID != "rolls-message" {
		t.Fatalf("templates = %s", FormatJSON(body.Data))
	}

	// Only the required title is given; the optional message shows its placeholder.
	renderPNG(t, h, token, RenderRequest("rolls-message", map[string]string{"title": "Frische Kaisersemmeln"}), 1080, 1080)

	resp := h.POST("/api/social/render", dailySpecial("Laugenbrezel", "1,20 €"), token)
	h.AssertErrorCode(t, resp, http.StatusNotFound, model.ErrNotFound)
}

// ==========================================================================
// Render Cache
// ==========================================================================

func TestSocial_MemoryCacheServesRepeatRenders(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MarketingClaims())
	req := dailySpecial("Mohnschnecke", "2,10 €")

	first, _ := renderPNG(t, h, token, req, 1080, 1080)
	second, resp := renderPNG(t, h, token, req, 1080, 1080)

	if !bytes.Equal(first, second) {
		t.Error("cached render differs from the original")
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "mohnschnecke-") {
		t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
	}
	if got := testutil.ToFloat64(h.Metrics.RenderCacheHitsTotal.WithLabelValues(config.CacheMemory)); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.Metrics.RenderCacheMissesTotal.WithLabelValues(config.CacheMemory)); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}

	// Different text is a different image.
	renderPNG(t, h, token, dailySpecial("Mohnschnecke", "2,30 €"), 1080, 1080)
	if got := testutil.ToFloat64(h.Metrics.RenderCacheMissesTotal.WithLabelValues(config.CacheMemory)); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}

func TestSocial_CacheDisabled(t *testing.T) {
	h := NewTestHarness(t, WithRenderCache(config.CacheConfig{Driver: config.CacheNone}))
	token := h.GenerateToken(MarketingClaims())
	req := dailySpecial("Bienenstich", "2,80 €")

	renderPNG(t, h, token, req, 1080, 1080)
	renderPNG(t, h, token, req, 1080, 1080)

	if h.RenderCache != nil {
		t.Error("render cache opened for driver none")
	}
	if got := testutil.CollectAndCount(h.Metrics.RenderCacheHitsTotal); got != 0 {
		t.Errorf("cache hit series = %d, want 0", got)
	}
}

func TestSocial_RedisCacheServesRepeatRenders(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	addr, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	t.Setenv("BAKEHOUSE_REDIS_ADDR", addr)

	h := NewTestHarness(t, WithRenderCache(config.CacheConfig{
		Driver:  config.CacheRedis,
		AddrEnv: "BAKEHOUSE_REDIS_ADDR",
		TTL:     time.Minute,
	}))
	token := h.GenerateToken(MarketingClaims())
	req := dailySpecial("Zwiebelkuchen", "3,90 €")

	var ready struct {
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &ready)
	if ready.Checks["render_cache"].Status != "ok" {
		t.Errorf("render_cache check = %+v", ready.Checks["render_cache"])
	}

	first, _ := renderPNG(t, h, token, req, 1080, 1080)
	second, _ := renderPNG(t, h, token, req, 1080, 1080)
	if !bytes.Equal(first, second) {
		t.Error("cached render differs from the original")
	}
	if got := testutil.ToFloat64(h.Metrics.RenderCacheHitsTotal.WithLabelValues(config.CacheRedis)); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
}
