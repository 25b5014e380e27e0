package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// rules is the accumulated content model of one schema.
type rules struct {
	sections map[string]bool
	require  map[string][]string

	// forbid holds element names and element@attr pairs.
	forbid map[string]bool
}

func newRules() *rules {
	return &rules{
		sections: map[string]bool{},
		require:  map[string][]string{},
		forbid:   map[string]bool{},
	}
}

// extend returns a copy of r with e's additions applied.
func (r *rules) extend(e entry) *rules {
	out := newRules()
	for k := range r.sections {
		out.sections[k] = true
	}
	for k, v := range r.require {
		out.require[k] = v
	}
	for k := range r.forbid {
		out.forbid[k] = true
	}

	for _, s := range e.Sections {
		out.sections[s] = true
	}
	for elem, attrs := range e.Require {
		out.require[elem] = append([]string(nil), attrs...)
	}
	for _, f := range e.Forbid {
		out.forbid[f] = true
	}
	for _, p := range e.Permit {
		delete(out.forbid, p)
	}
	return out
}

// Validate checks doc against the named schema. None always passes; an
// unknown name fails with ESchemaInvalid. Every problem found is reported.
func (r *Registry) Validate(doc *tree.Document, name string) error {
	const op = "schema.Validate"

	if name == None {
		return nil
	}
	s, ok := r.byName[name]
	if !ok {
		return &ierrors.Error{Code: ierrors.ESchemaInvalid, Op: op, Msg: fmt.Sprintf("unknown schema %q", name)}
	}
	if err := s.rules.check(doc); err != nil {
		return &ierrors.Error{
			Code: ierrors.ESchemaInvalid,
			Op:   op,
			Msg:  "document does not validate against " + name,
			Err:  err,
		}
	}
	return nil
}

// ValidateDeclared validates doc against the schema named by its
// validate-with attribute. A missing attribute means the oldest schema.
func (r *Registry) ValidateDeclared(doc *tree.Document) error {
	name := doc.Root().Attr(cib.AttrValidateWith)
	if name == "" {
		name = r.schemas[0].Name
	}
	return r.Validate(doc, name)
}

func (r *rules) check(doc *tree.Document) error {
	var errs *multierror.Error
	root := doc.Root()
	if root.Name() != "cib" {
		return multierror.Append(errs, fmt.Errorf("root element is <%s>, not <cib>", root.Name()))
	}

	var cfg tree.Node
	for _, c := range root.Elements() {
		switch c.Name() {
		case cib.SectionConfiguration:
			if !cfg.IsZero() {
				errs = multierror.Append(errs, fmt.Errorf("more than one <configuration>"))
			}
			cfg = c
		case cib.SectionStatus:
		default:
			errs = multierror.Append(errs, fmt.Errorf("unexpected <%s> under <cib>", c.Name()))
		}
	}
	if cfg.IsZero() {
		return multierror.Append(errs, fmt.Errorf("missing <configuration>"))
	}

	for _, c := range cfg.Elements() {
		if !r.sections[c.Name()] {
			errs = multierror.Append(errs, fmt.Errorf("section <%s> is not allowed", c.Name()))
		}
	}

	cfg.Walk(func(n tree.Node) bool {
		if !n.IsElement() {
			return false
		}
		name := n.Name()
		if r.forbid[name] {
			errs = multierror.Append(errs, fmt.Errorf("%s: element <%s> is not allowed", n.Path(), name))
			return false
		}
		for _, a := range n.Attrs() {
			if r.forbid[name+"@"+a.Name] {
				errs = multierror.Append(errs, fmt.Errorf("%s: attribute %q is not allowed", n.Path(), a.Name))
			}
		}
		var missing []string
		for _, want := range r.require[name] {
			if _, ok := n.LookupAttr(want); !ok {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			errs = multierror.Append(errs, fmt.Errorf("%s: missing %s", n.Path(), strings.Join(missing, ", ")))
		}
		return true
	})

	if err := doc.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
