package definition

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// Reloader loads, validates and publishes definitions into a Registry. A
// failed reload leaves the previous snapshot in place.
type Reloader struct {
	loader    *Loader
	validator *Validator
	registry  *Registry
	dirs      []string
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewReloader creates a Reloader for dirs. With no dirs the builtin
// definitions are loaded.
func NewReloader(registry *Registry, dirs []string, metrics *observability.Metrics, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		loader:    NewLoader(),
		validator: NewValidator(),
		registry:  registry,
		dirs:      dirs,
		metrics:   metrics,
		logger:    logger,
	}
}

// Reload reads the definitions and swaps them in if they validate.
func (r *Reloader) Reload() error {
	defs, err := r.load()
	if err == nil {
		err = r.validate(defs)
	}
	if err != nil {
		r.metrics.RecordDefinitionReload("failure")
		return err
	}

	r.registry.Replace(defs)
	production, social := r.registry.Counts()
	r.metrics.RecordDefinitionReload("success")
	r.metrics.SetDefinitionsLoaded("production", float64(production))
	r.metrics.SetDefinitionsLoaded("social", float64(social))

	r.logger.Info("definitions loaded",
		zap.Int("production_templates", production),
		zap.Int("social_templates", social),
		zap.String("checksum", r.registry.Checksum()),
	)
	return nil
}

func (r *Reloader) load() ([]model.DefinitionFile, error) {
	if len(r.dirs) == 0 {
		return r.loader.LoadBuiltin()
	}
	return r.loader.LoadAll(r.dirs)
}

func (r *Reloader) validate(defs []model.DefinitionFile) error {
	verrs := r.validator.Validate(defs)
	if len(verrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(verrs))
	for _, ve := range verrs {
		r.logger.Error("definition validation error", zap.String("path", ve.Path), zap.String("error", ve.Message))
		errs = append(errs, ve)
	}
	return fmt.Errorf("definitions invalid: %w", errors.Join(errs...))
}
