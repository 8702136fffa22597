package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/bakehouse/model"
)

// snapshot is an immutable collection of all templates indexed by ID.
type snapshot struct {
	production   map[string]model.ProductionTemplate
	social       map[string]model.Template
	productionID []string
	socialID     []string
	checksum     string
}

// Registry is a read-optimized, thread-safe store of all loaded templates.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DefinitionFile) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Later files win on duplicate IDs.
func (r *Registry) Replace(defs []model.DefinitionFile) {
	s := &snapshot{
		production: make(map[string]model.ProductionTemplate),
		social:     make(map[string]model.Template),
	}

	var checksumParts []string

	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)

		for _, p := range def.ProductionTemplates {
			s.production[p.ID] = p
		}
		for _, t := range def.SocialTemplates {
			s.social[t.ID] = t
		}
	}

	for id := range s.production {
		s.productionID = append(s.productionID, id)
	}
	for id := range s.social {
		s.socialID = append(s.socialID, id)
	}
	sort.Strings(s.productionID)
	sort.Strings(s.socialID)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetProductionTemplate returns the production template with the given ID.
func (r *Registry) GetProductionTemplate(id string) (model.ProductionTemplate, bool) {
	p, ok := r.current().production[id]
	return p, ok
}

// GetSocialTemplate returns the social template with the given ID.
func (r *Registry) GetSocialTemplate(id string) (model.Template, bool) {
	t, ok := r.current().social[id]
	return t, ok
}

// ProductionTemplates returns all production templates ordered by ID.
func (r *Registry) ProductionTemplates() []model.ProductionTemplate {
	s := r.current()
	out := make([]model.ProductionTemplate, 0, len(s.productionID))
	for _, id := range s.productionID {
		out = append(out, s.production[id])
	}
	return out
}

// SocialTemplates returns all social templates ordered by ID.
func (r *Registry) SocialTemplates() []model.Template {
	s := r.current()
	out := make([]model.Template, 0, len(s.socialID))
	for _, id := range s.socialID {
		out = append(out, s.social[id])
	}
	return out
}

// Loaded reports whether at least one template of each kind is present.
func (r *Registry) Loaded() bool {
	s := r.current()
	return len(s.production) > 0 && len(s.social) > 0
}

// Counts returns the number of production and social templates.
func (r *Registry) Counts() (production, social int) {
	s := r.current()
	return len(s.production), len(s.social)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
