// Package registry merges independently authored packs into one action
// lookup table. Load-time violations are fatal; the merged table is
// immutable and only the set of enabled packs may change afterwards.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/services/actions"
	"go.uber.org/zap"
)

// MetaPack is the name of the built-in discovery pack
const MetaPack = "meta"

var actionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// defaultParamsSchema is used for actions that declare no schema
const defaultParamsSchema = `{"type":"object"}`

// Entry is one resolved action
type Entry struct {
	Definition models.ActionDefinition
	Pack       string
	Handler    actions.Handler
	schema     *jsonschema.Schema
}

// ValidateParams checks params against the action's compiled schema
func (e *Entry) ValidateParams(params map[string]interface{}) error {
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(params); err != nil {
		derr := services.ErrInvalidParams.Wrap(err)
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			derr = derr.WithDetail("violations", violations(verr))
		}
		return derr
	}
	return nil
}

// PackInfo describes a loaded pack
type PackInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
	Actions int    `json:"actions"`
}

type loadedPack struct {
	name    string
	version string
	entries []*Entry
}

// snapshot is the immutable view used to serve lookups
type snapshot struct {
	enabled map[string]bool
	entries map[string]*Entry
}

// Registry resolves action names to handlers
type Registry struct {
	logger  *zap.Logger
	version string
	packs   map[string]*loadedPack
	order   []string

	mu      sync.Mutex // serializes enable/disable
	current atomic.Pointer[snapshot]
}

// Option configures the registry
type Option func(*options)

type options struct {
	disabled map[string]bool
}

// WithDisabled loads the named packs but leaves them disabled
func WithDisabled(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.disabled[n] = true
		}
	}
}

// New validates and merges the given packs. Any duplicate action name,
// empty scope, missing or stray handler, malformed name, or invalid schema
// is returned as an error and must abort startup.
func New(version string, packs []actions.Pack, logger *zap.Logger, opts ...Option) (*Registry, error) {
	o := &options{disabled: map[string]bool{}}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		logger:  logger,
		version: version,
		packs:   make(map[string]*loadedPack, len(packs)+1),
	}

	owner := make(map[string]string)
	for _, p := range packs {
		if p.Name == MetaPack {
			return nil, fmt.Errorf("pack name %q is reserved", MetaPack)
		}
		if err := r.load(p, owner); err != nil {
			return nil, err
		}
	}
	if err := r.load(r.metaPack(), owner); err != nil {
		return nil, err
	}

	for name := range o.disabled {
		if _, ok := r.packs[name]; !ok {
			return nil, fmt.Errorf("cannot disable unknown pack %q", name)
		}
		if name == MetaPack {
			return nil, fmt.Errorf("pack %q cannot be disabled", MetaPack)
		}
	}

	enabled := make(map[string]bool, len(r.packs))
	for name := range r.packs {
		enabled[name] = !o.disabled[name]
	}
	r.current.Store(r.build(enabled))

	logger.Info("action registry loaded",
		zap.Int("packs", len(r.packs)),
		zap.Int("actions", len(owner)),
		zap.Strings("disabled", keys(o.disabled)))

	return r, nil
}

func (r *Registry) load(p actions.Pack, owner map[string]string) error {
	if p.Name == "" {
		return fmt.Errorf("pack name is required")
	}
	if _, dup := r.packs[p.Name]; dup {
		return fmt.Errorf("pack %q registered twice", p.Name)
	}

	lp := &loadedPack{name: p.Name, version: p.Version}
	declared := make(map[string]bool, len(p.Actions))

	for _, def := range p.Actions {
		if !actionNamePattern.MatchString(def.Name) {
			return fmt.Errorf("pack %q: action name %q must be dot-namespaced lowercase", p.Name, def.Name)
		}
		if prev, dup := owner[def.Name]; dup {
			return fmt.Errorf("pack %q: action %q already registered by pack %q", p.Name, def.Name, prev)
		}
		if strings.TrimSpace(def.Scope) == "" {
			return fmt.Errorf("pack %q: action %q has no scope", p.Name, def.Name)
		}
		handler, ok := p.Handlers[def.Name]
		if !ok || handler == nil {
			return fmt.Errorf("pack %q: action %q has no handler", p.Name, def.Name)
		}

		schema, err := compileSchema(def)
		if err != nil {
			return fmt.Errorf("pack %q: %w", p.Name, err)
		}

		owner[def.Name] = p.Name
		declared[def.Name] = true
		lp.entries = append(lp.entries, &Entry{
			Definition: def,
			Pack:       p.Name,
			Handler:    handler,
			schema:     schema,
		})
	}

	for name := range p.Handlers {
		if !declared[name] {
			return fmt.Errorf("pack %q: handler %q has no action definition", p.Name, name)
		}
	}

	r.packs[p.Name] = lp
	r.order = append(r.order, p.Name)
	return nil
}

func compileSchema(def models.ActionDefinition) (*jsonschema.Schema, error) {
	raw := string(def.ParamsSchema)
	if strings.TrimSpace(raw) == "" {
		raw = defaultParamsSchema
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://acp.schemas.local/actions/%s.schema.json", def.Name)
	if err := c.AddResource(schemaURL, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("action %q: schema load failed: %w", def.Name, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("action %q: schema compile failed: %w", def.Name, err)
	}
	return compiled, nil
}

func (r *Registry) build(enabled map[string]bool) *snapshot {
	s := &snapshot{
		enabled: enabled,
		entries: make(map[string]*Entry),
	}
	for _, name := range r.order {
		if !enabled[name] {
			continue
		}
		for _, e := range r.packs[name].entries {
			s.entries[e.Definition.Name] = e
		}
	}
	return s
}

// Lookup returns the action if its pack is currently enabled
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.current.Load().entries[name]
	return e, ok
}

// SetEnabled toggles a pack. The change is visible to the next lookup.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	if name == MetaPack {
		return fmt.Errorf("pack %q cannot be toggled", MetaPack)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.packs[name]; !ok {
		return fmt.Errorf("unknown pack %q", name)
	}

	cur := r.current.Load()
	next := make(map[string]bool, len(cur.enabled))
	for k, v := range cur.enabled {
		next[k] = v
	}
	next[name] = enabled
	r.current.Store(r.build(next))

	r.logger.Info("pack toggled", zap.String("pack", name), zap.Bool("enabled", enabled))
	return nil
}

// SetDisabled replaces the disabled set in one swap; every other pack is
// enabled. On error the current set is left untouched.
func (r *Registry) SetDisabled(names ...string) error {
	disabled := make(map[string]bool, len(names))
	for _, name := range names {
		if name == MetaPack {
			return fmt.Errorf("pack %q cannot be disabled", MetaPack)
		}
		if _, ok := r.packs[name]; !ok {
			return fmt.Errorf("cannot disable unknown pack %q", name)
		}
		disabled[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]bool, len(r.packs))
	for name := range r.packs {
		next[name] = !disabled[name]
	}
	r.current.Store(r.build(next))

	r.logger.Info("pack set replaced", zap.Strings("disabled", keys(disabled)))
	return nil
}

// Actions lists the actions of enabled packs, excluding built-in discovery
// actions, sorted by name
func (r *Registry) Actions() []models.ActionDescriptor {
	s := r.current.Load()
	out := make([]models.ActionDescriptor, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Pack == MetaPack {
			continue
		}
		d := e.Definition
		out = append(out, models.ActionDescriptor{
			Name:           d.Name,
			Pack:           e.Pack,
			Scope:          d.Scope,
			Description:    d.Description,
			ParamsSchema:   d.ParamsSchema,
			SupportsDryRun: d.SupportsDryRun,
			ReadOnly:       d.ReadOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Packs describes all loaded packs in load order
func (r *Registry) Packs() []PackInfo {
	s := r.current.Load()
	out := make([]PackInfo, 0, len(r.order))
	for _, name := range r.order {
		lp := r.packs[name]
		out = append(out, PackInfo{
			Name:    name,
			Version: lp.version,
			Enabled: s.enabled[name],
			Actions: len(lp.entries),
		})
	}
	return out
}

// EnabledPacks returns the names of enabled packs in load order
func (r *Registry) EnabledPacks() []string {
	s := r.current.Load()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if s.enabled[name] {
			out = append(out, name)
		}
	}
	return out
}

// Version returns the control plane version string
func (r *Registry) Version() string {
	return r.version
}

func violations(verr *jsonschema.ValidationError) []map[string]string {
	basic := verr.BasicOutput()
	out := make([]map[string]string, 0, len(basic.Errors))
	for _, e := range basic.Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		field := e.InstanceLocation
		if field == "" {
			field = "/"
		}
		out = append(out, map[string]string{"field": field, "error": e.Error})
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
