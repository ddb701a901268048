// Package routing maps logical models onto ordered backend instances and
// serves requests against them with sequential failover.
package routing

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// DefaultInstanceTimeout bounds every backend call unless an instance overrides it.
const DefaultInstanceTimeout = 60 * time.Second

// AdapterTypes maps an instance `type` string to the factory that builds its adapter.
type AdapterTypes struct {
	mu        sync.RWMutex
	factories map[string]ports.AdapterFactory
}

// NewAdapterTypes returns an empty factory table.
func NewAdapterTypes() *AdapterTypes {
	return &AdapterTypes{factories: make(map[string]ports.AdapterFactory)}
}

// Register binds a type name to a factory. Later registrations win.
func (t *AdapterTypes) Register(typ string, f ports.AdapterFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[strings.ToLower(typ)] = f
}

// Lookup returns the factory for a type name.
func (t *AdapterTypes) Lookup(typ string) (ports.AdapterFactory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.factories[strings.ToLower(typ)]
	return f, ok
}

// Types lists the registered type names, sorted.
func (t *AdapterTypes) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.factories))
	for k := range t.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registry is the read-only routing table built at startup.
type Registry struct {
	models    map[string]entities.LogicalModel
	instances map[string]entities.ModelInstance
	adapters  map[string]ports.ModelAdapter
}

// NewRegistry assembles a registry from already-built parts.
func NewRegistry(models []entities.LogicalModel, instances []entities.ModelInstance, adapters map[string]ports.ModelAdapter) *Registry {
	r := &Registry{
		models:    make(map[string]entities.LogicalModel, len(models)),
		instances: make(map[string]entities.ModelInstance, len(instances)),
		adapters:  make(map[string]ports.ModelAdapter, len(adapters)),
	}
	for _, m := range models {
		r.models[m.Name] = m
	}
	for _, inst := range instances {
		r.instances[inst.Name] = inst
	}
	for name, a := range adapters {
		r.adapters[name] = a
	}
	return r
}

// LogicalModel looks up a logical model by name.
func (r *Registry) LogicalModel(name string) (entities.LogicalModel, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Instance looks up an instance definition by name.
func (r *Registry) Instance(name string) (entities.ModelInstance, bool) {
	inst, ok := r.instances[name]
	return inst, ok
}

// Adapter returns the adapter built for an instance. Instances whose type
// had no registered factory have none.
func (r *Registry) Adapter(instance string) (ports.ModelAdapter, bool) {
	a, ok := r.adapters[instance]
	return a, ok
}

// LogicalModels returns all logical models sorted by name.
func (r *Registry) LogicalModels() []entities.LogicalModel {
	out := make([]entities.LogicalModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// registryFile is the on-disk YAML layout.
type registryFile struct {
	Models         []modelEntry    `yaml:"models"`
	ModelInstances []instanceEntry `yaml:"model_instances"`
}

type modelEntry struct {
	Name               string            `yaml:"name"`
	Instances          []string          `yaml:"instances"`
	InstanceModelNames map[string]string `yaml:"instance_model_names"`
}

type instanceEntry struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout string            `yaml:"timeout"`
	Options map[string]string `yaml:"options"`
}

// LoadRegistry reads the registry YAML file and builds adapters for every
// instance whose type is known.
func LoadRegistry(path string, types *AdapterTypes, logger zerolog.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model registry: %w", err)
	}
	reg, err := ParseRegistry(data, types, logger)
	if err != nil {
		return nil, fmt.Errorf("model registry %s: %w", path, err)
	}
	return reg, nil
}

// ParseRegistry builds a registry from YAML. An instance with an unknown
// type is kept without an adapter and logged; routing reports it as skipped.
func ParseRegistry(data []byte, types *AdapterTypes, logger zerolog.Logger) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}

	logger = logger.With().Str("component", "registry").Logger()
	reg := &Registry{
		models:    make(map[string]entities.LogicalModel),
		instances: make(map[string]entities.ModelInstance),
		adapters:  make(map[string]ports.ModelAdapter),
	}

	for _, def := range file.ModelInstances {
		if def.Name == "" {
			return nil, fmt.Errorf("model instance without a name")
		}
		if _, dup := reg.instances[def.Name]; dup {
			return nil, fmt.Errorf("duplicate model instance %q", def.Name)
		}
		inst, err := def.toInstance(logger)
		if err != nil {
			return nil, err
		}
		reg.instances[inst.Name] = inst

		factory, ok := types.Lookup(inst.Type)
		if !ok {
			logger.Warn().Str("instance", inst.Name).Str("type", inst.Type).
				Msg("unknown adapter type, instance will be skipped")
			continue
		}
		adapter, err := factory(inst)
		if err != nil {
			logger.Warn().Err(err).Str("instance", inst.Name).Msg("adapter construction failed, instance will be skipped")
			continue
		}
		reg.adapters[inst.Name] = adapter
	}

	for _, def := range file.Models {
		if def.Name == "" {
			return nil, fmt.Errorf("logical model without a name")
		}
		if _, dup := reg.models[def.Name]; dup {
			return nil, fmt.Errorf("duplicate logical model %q", def.Name)
		}
		if len(def.Instances) == 0 {
			return nil, fmt.Errorf("logical model %q has no instances", def.Name)
		}
		for _, name := range def.Instances {
			if _, ok := reg.instances[name]; !ok {
				logger.Warn().Str("model", def.Name).Str("instance", name).Msg("model references undefined instance")
			}
			if def.InstanceModelNames[name] == "" {
				logger.Warn().Str("model", def.Name).Str("instance", name).Msg("no physical model name for instance")
			}
		}
		reg.models[def.Name] = entities.LogicalModel{
			Name:          def.Name,
			Instances:     append([]string(nil), def.Instances...),
			PhysicalNames: copyMap(def.InstanceModelNames),
		}
	}

	logger.Info().Int("models", len(reg.models)).Int("instances", len(reg.instances)).
		Int("adapters", len(reg.adapters)).Msg("model registry loaded")
	return reg, nil
}

func (s instanceEntry) toInstance(logger zerolog.Logger) (entities.ModelInstance, error) {
	timeout := DefaultInstanceTimeout
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return entities.ModelInstance{}, fmt.Errorf("instance %q: invalid timeout %q: %w", s.Name, s.Timeout, err)
		}
		if d <= 0 {
			return entities.ModelInstance{}, fmt.Errorf("instance %q: timeout must be positive", s.Name)
		}
		timeout = d
	}

	extra := make(map[string]string, len(s.Options))
	for k, v := range s.Options {
		extra[k] = expandEnv(v, logger)
	}

	return entities.ModelInstance{
		Name: s.Name,
		Type: s.Type,
		Params: entities.ConnectionParams{
			BaseURL: strings.TrimRight(expandEnv(s.BaseURL, logger), "/"),
			APIKey:  expandEnv(s.APIKey, logger),
			Timeout: timeout,
			Extra:   extra,
		},
	}, nil
}

var envRef = regexp.MustCompile(`^env\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)

// expandEnv resolves values written as env(VAR).
func expandEnv(value string, logger zerolog.Logger) string {
	m := envRef.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return value
	}
	v, ok := os.LookupEnv(m[1])
	if !ok {
		logger.Warn().Str("var", m[1]).Msg("environment variable referenced by registry is not set")
	}
	return v
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
