// Package alerts runs the configured alert agents when node attributes and
// node membership change.
package alerts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Event kinds an alert can select.
const (
	KindNode      = "node"
	KindFencing   = "fencing"
	KindResource  = "resource"
	KindAttribute = "attribute"
)

// DefaultKinds is what an entry without a kind filter receives.
var DefaultKinds = []string{KindNode, KindFencing, KindResource, KindAttribute}

const (
	// DefaultTimeout bounds an agent run when the entry sets none.
	DefaultTimeout = 30 * time.Second

	// DefaultTimestampFormat renders hours to microseconds.
	DefaultTimestampFormat = "%H:%M:%S.%06N"
)

// Configuration element and attribute names.
const (
	elemAlert      = "alert"
	elemRecipient  = "recipient"
	elemMeta       = "meta_attributes"
	elemInstance   = "instance_attributes"
	elemNVPair     = "nvpair"
	elemSelect     = "select"
	elemAttribute  = "attribute"
	attrPath       = "path"
	attrValue      = "value"
	attrName       = "name"
	metaTimeout    = "timeout"
	metaTimestamp  = "timestamp-format"
	metaEnabled    = "enabled"
	metaSelectKind = "select_kind"
	metaSelectAttr = "select_attribute_name"
)

var selectElements = map[string]string{
	"select_nodes":      KindNode,
	"select_fencing":    KindFencing,
	"select_resources":  KindResource,
	"select_attributes": KindAttribute,
}

// Entry is one alert agent invocation target. An alert with recipients
// yields one entry per recipient.
type Entry struct {
	// ID is the id of the alert element, or of the recipient for
	// recipient entries. Agent runs are serialized per ID.
	ID string

	// AlertID is the id of the alert element.
	AlertID string

	Path            string
	Recipient       string
	Timeout         time.Duration
	TimestampFormat string

	// Kinds selects event kinds; nil means DefaultKinds.
	Kinds []string

	// AttributeNames restricts attribute events; nil means all.
	AttributeNames []string

	// Env holds extra environment variables for the agent.
	Env map[string]string
}

// Selects reports whether the entry wants events of kind.
func (e *Entry) Selects(kind string) bool {
	kinds := e.Kinds
	if kinds == nil {
		kinds = DefaultKinds
	}
	return contains(kinds, kind)
}

// SelectsAttribute reports whether the entry wants updates of attribute
// name.
func (e *Entry) SelectsAttribute(name string) bool {
	return e.AttributeNames == nil || contains(e.AttributeNames, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Entry) clone() Entry {
	c := *e
	c.Kinds = append([]string(nil), e.Kinds...)
	if e.Kinds == nil {
		c.Kinds = nil
	}
	c.AttributeNames = append([]string(nil), e.AttributeNames...)
	if e.AttributeNames == nil {
		c.AttributeNames = nil
	}
	c.Env = make(map[string]string, len(e.Env))
	for k, v := range e.Env {
		c.Env[k] = v
	}
	return c
}

// Parse reads the alert entries of a document. Alerts without an id or a
// path are rejected: they are left out of the result and reported in the
// returned error, which is EInvalid. Disabled alerts and recipients are
// left out silently.
func Parse(doc *tree.Document) ([]Entry, error) {
	section := doc.Root().FirstChild(cib.SectionConfiguration).FirstChild(cib.SectionAlerts)
	return ParseSection(section)
}

// ParseSection reads the entries of an <alerts> element.
func ParseSection(section tree.Node) ([]Entry, error) {
	var (
		entries []Entry
		errs    *multierror.Error
	)
	for i, alert := range section.ElementsNamed(elemAlert) {
		id, path := alert.ID(), alert.Attr(attrPath)
		switch {
		case id == "":
			errs = multierror.Append(errs, fmt.Errorf("alert #%d has no id", i+1))
			continue
		case path == "":
			errs = multierror.Append(errs, fmt.Errorf("alert %s has no path", id))
			continue
		}

		base := Entry{
			ID:              id,
			AlertID:         id,
			Path:            path,
			Timeout:         DefaultTimeout,
			TimestampFormat: DefaultTimestampFormat,
			Env:             make(map[string]string),
		}
		if !unpack(alert, &base) {
			continue
		}

		recipients := alert.ElementsNamed(elemRecipient)
		for j, r := range recipients {
			e := base.clone()
			e.ID = r.ID()
			if e.ID == "" {
				e.ID = id + "-recipient-" + strconv.Itoa(j+1)
			}
			e.Recipient = r.Attr(attrValue)
			if !unpack(r, &e) {
				continue
			}
			entries = append(entries, e)
		}
		if len(recipients) == 0 {
			entries = append(entries, base)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return entries, &ierrors.Error{Code: ierrors.EInvalid, Op: "alerts.Parse", Err: err}
	}
	return entries, nil
}

// unpack applies the environment, meta attributes and selection of n to
// e. It returns false when n is disabled.
func unpack(n tree.Node, e *Entry) bool {
	for k, v := range nvpairs(n, elemInstance) {
		e.Env[k] = v
	}

	meta := nvpairs(n, elemMeta)
	if v, ok := meta[metaEnabled]; ok && !isTrue(v) {
		return false
	}
	if v, ok := meta[metaTimeout]; ok {
		if d, err := parseInterval(v); err == nil && d > 0 {
			e.Timeout = d
		} else {
			e.Timeout = DefaultTimeout
		}
	}
	if v, ok := meta[metaTimestamp]; ok {
		e.TimestampFormat = v
	}
	if v, ok := meta[metaSelectKind]; ok {
		e.Kinds = splitList(v)
	}
	if v, ok := meta[metaSelectAttr]; ok {
		e.AttributeNames = splitList(v)
	}

	sel := n.FirstChild(elemSelect)
	if sel.IsZero() {
		return true
	}
	var kinds []string
	for _, c := range sel.Elements() {
		kind, ok := selectElements[c.Name()]
		if !ok {
			continue
		}
		kinds = append(kinds, kind)
		if kind != KindAttribute {
			continue
		}
		var names []string
		for _, a := range c.ElementsNamed(elemAttribute) {
			if name := a.Attr(attrName); name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			e.AttributeNames = names
		}
	}
	if len(kinds) > 0 {
		e.Kinds = kinds
	}
	return true
}

// nvpairs collects the name/value pairs of every set called setName
// directly under n. Later sets override earlier ones.
func nvpairs(n tree.Node, setName string) map[string]string {
	out := make(map[string]string)
	for _, set := range n.ElementsNamed(setName) {
		for _, nv := range set.ElementsNamed(elemNVPair) {
			if name := nv.Attr(attrName); name != "" {
				out[name] = nv.Attr(attrValue)
			}
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "yes", "y", "1":
		return true
	}
	return false
}

// parseInterval reads a duration. A bare number is in seconds; the units
// ms, s, m and h and their long spellings are accepted.
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, err
	}
	var unit time.Duration
	switch strings.TrimSpace(strings.ToLower(s[i:])) {
	case "", "s", "sec", "secs", "second", "seconds":
		unit = time.Second
	case "ms", "msec", "msecs":
		unit = time.Millisecond
	case "us", "usec", "usecs":
		unit = time.Microsecond
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		unit = time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", s)
	}
	return time.Duration(n) * unit, nil
}

// NeedsReloadPath reports whether a change at path affects the alert
// configuration.
func NeedsReloadPath(path string) bool {
	for _, prefix := range reloadPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"[") {
			return true
		}
	}
	return false
}

var reloadPrefixes = []string{
	"/cib/" + cib.SectionConfiguration + "/" + cib.SectionCRMConfig,
	"/cib/" + cib.SectionConfiguration + "/" + cib.SectionAlerts,
}
