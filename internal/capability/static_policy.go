package capability

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/bakehouse/model"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy resolves capabilities from a YAML file mapping roles to
// capability strings. Without a file the built-in policy is used.
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads the policy at path, or the built-in policy when path
// is empty.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveRoles returns the union of capabilities granted to roles. Unknown
// roles grant nothing.
func (p *StaticPolicy) ResolveRoles(roles []string) model.CapabilitySet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range roles {
		for _, c := range p.policy.Roles[role] {
			caps[c] = true
		}
	}
	return caps
}

// Roles lists the roles the policy knows, sorted.
func (p *StaticPolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.policy.Roles))
	for role := range p.policy.Roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Sync reloads the policy. A failed reload keeps the previous policy.
func (p *StaticPolicy) Sync() error {
	data := defaultPolicy
	source := "built-in policy"
	if p.path != "" {
		raw, err := os.ReadFile(p.path)
		if err != nil {
			return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
		}
		data, source = raw, p.path
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing %s: %w", source, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}
