// Package schema keeps the ordered list of document schemas, validates
// documents against them and upgrades documents from one to the next.
package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// None disables validation. It sorts after every known schema.
const None = "none"

const namePrefix = "pacemaker-"

//go:embed catalogue.yaml
var builtinCatalogue []byte

// Schema is one entry of the registry.
type Schema struct {
	Name  string
	Index int
	Major int
	Minor int

	// Transform names the up-transform to the next schema, if any.
	Transform string

	rules *rules
}

// Transform rewrites a document valid under one schema into the shape the
// next one expects. It must be deterministic and may modify doc in place.
type Transform func(doc *tree.Document) error

// Registry is an ordered list of schemas. It is immutable once built.
type Registry struct {
	schemas    []*Schema
	byName     map[string]*Schema
	transforms map[string]Transform
	log        *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report upgrade progress.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithTransform registers an up-transform under name, replacing any
// built-in one.
func WithTransform(name string, fn Transform) Option {
	return func(r *Registry) { r.transforms[name] = fn }
}

type catalogue struct {
	Schemas []entry `yaml:"schemas"`
}

type entry struct {
	Name      string              `yaml:"name"`
	Sections  []string            `yaml:"sections"`
	Require   map[string][]string `yaml:"require"`
	Forbid    []string            `yaml:"forbid"`
	Permit    []string            `yaml:"permit"`
	Transform string              `yaml:"transform"`
}

// NewRegistry builds a registry from a YAML catalogue.
func NewRegistry(r io.Reader, opts ...Option) (*Registry, error) {
	const op = "schema.NewRegistry"

	var cat catalogue
	if err := yaml.NewDecoder(r).Decode(&cat); err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "malformed schema catalogue", Err: err}
	}
	if len(cat.Schemas) == 0 {
		return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "empty schema catalogue"}
	}

	reg := &Registry{
		byName:     make(map[string]*Schema, len(cat.Schemas)),
		transforms: builtinTransforms(),
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(reg)
	}

	for _, e := range cat.Schemas {
		major, minor, err := parseName(e.Name)
		if err != nil {
			return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Err: err}
		}
		if _, dup := reg.byName[e.Name]; dup {
			return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "duplicate schema " + e.Name}
		}
		s := &Schema{Name: e.Name, Major: major, Minor: minor, Transform: e.Transform}
		reg.byName[e.Name] = s
		reg.schemas = append(reg.schemas, s)
	}

	sort.SliceStable(reg.schemas, func(i, j int) bool {
		a, b := reg.schemas[i], reg.schemas[j]
		if a.Major != b.Major {
			return a.Major < b.Major
		}
		return a.Minor < b.Minor
	})

	// Rules accumulate in version order, whatever the catalogue order.
	entries := make(map[string]entry, len(cat.Schemas))
	for _, e := range cat.Schemas {
		entries[e.Name] = e
	}
	prev := newRules()
	for i, s := range reg.schemas {
		s.Index = i
		s.rules = prev.extend(entries[s.Name])
		prev = s.rules
	}
	return reg, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of the built-in catalogue.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := NewRegistry(bytes.NewReader(builtinCatalogue))
		if err != nil {
			panic(fmt.Sprintf("built-in schema catalogue: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// Catalogue returns a copy of the built-in YAML catalogue.
func Catalogue() []byte {
	return append([]byte(nil), builtinCatalogue...)
}

func parseName(name string) (major, minor int, err error) {
	if !strings.HasPrefix(name, namePrefix) {
		return 0, 0, fmt.Errorf("schema name %q lacks the %q prefix", name, namePrefix)
	}
	v := strings.SplitN(strings.TrimPrefix(name, namePrefix), ".", 2)
	if len(v) != 2 {
		return 0, 0, fmt.Errorf("schema name %q has no minor version", name)
	}
	if major, err = strconv.Atoi(v[0]); err != nil {
		return 0, 0, fmt.Errorf("schema name %q: %w", name, err)
	}
	if minor, err = strconv.Atoi(v[1]); err != nil {
		return 0, 0, fmt.Errorf("schema name %q: %w", name, err)
	}
	return major, minor, nil
}

// Len is the number of known schemas.
func (r *Registry) Len() int { return len(r.schemas) }

// Index returns the position of a schema by exact name, -1 when unknown.
// None is placed after the last schema.
func (r *Registry) Index(name string) int {
	if name == None {
		return len(r.schemas)
	}
	if s, ok := r.byName[name]; ok {
		return s.Index
	}
	return -1
}

// At returns the schema at index i, or nil.
func (r *Registry) At(i int) *Schema {
	if i < 0 || i >= len(r.schemas) {
		return nil
	}
	return r.schemas[i]
}

// Latest is the name of the newest schema.
func (r *Registry) Latest() string { return r.schemas[len(r.schemas)-1].Name }

// LatestIndex is the index of the newest schema.
func (r *Registry) LatestIndex() int { return len(r.schemas) - 1 }

// Names lists every schema, oldest first.
func (r *Registry) Names() []string {
	out := make([]string, len(r.schemas))
	for i, s := range r.schemas {
		out[i] = s.Name
	}
	return out
}

// Compare orders schema names: unknown names sort before known ones and
// None after all of them. It returns -1, 0 or 1.
func (r *Registry) Compare(a, b string) int {
	ia, ib := r.Index(a), r.Index(b)
	switch {
	case ia == ib:
		return 0
	case ia < ib:
		return -1
	}
	return 1
}
