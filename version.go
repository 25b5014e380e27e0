// Package cib holds the vocabulary shared by the cibd packages: the
// document version triple, operation names, call options and the message
// envelope exchanged between daemons and with local clients.
package cib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/clusterlabs/cibd/tree"
)

// Attributes of the document root.
const (
	AttrAdminEpoch     = "admin-epoch"
	AttrEpoch          = "epoch"
	AttrNumUpdates     = "num-updates"
	AttrValidateWith   = "validate-with"
	AttrFeatureSet     = "crm-feature-set"
	AttrHaveQuorum     = "have-quorum"
	AttrDCUUID         = "dc-uuid"
	AttrLastWritten    = "cib-last-written"
	AttrUpdateOrigin   = "update-origin"
	AttrUpdateClient   = "update-client"
	AttrUpdateUser     = "update-user"
	AttrCRMDebugOrigin = "crm-debug-origin"
)

// Older documents spell the counters with underscores.
var legacyCounterAttrs = map[string]string{
	AttrAdminEpoch: "admin_epoch",
	AttrNumUpdates: "num_updates",
}

// FeatureSet is the newest document feature set this daemon understands.
const FeatureSet = "3.19.0"

// Version is the (admin-epoch, epoch, num-updates) triple of a document.
type Version struct {
	AdminEpoch int
	Epoch      int
	NumUpdates int
}

// Compare orders versions lexicographically. It returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.AdminEpoch != o.AdminEpoch:
		return cmpInt(v.AdminEpoch, o.AdminEpoch)
	case v.Epoch != o.Epoch:
		return cmpInt(v.Epoch, o.Epoch)
	default:
		return cmpInt(v.NumUpdates, o.NumUpdates)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.AdminEpoch, v.Epoch, v.NumUpdates)
}

// Bump returns the version after a change. A configuration change
// increments epoch and resets num-updates; anything else increments
// num-updates.
func (v Version) Bump(configChanged bool) Version {
	if configChanged {
		return Version{AdminEpoch: v.AdminEpoch, Epoch: v.Epoch + 1}
	}
	v.NumUpdates++
	return v
}

// VersionOf reads the triple from an element. Missing counters read as 0.
func VersionOf(n tree.Node) Version {
	return Version{
		AdminEpoch: counter(n, AttrAdminEpoch),
		Epoch:      counter(n, AttrEpoch),
		NumUpdates: counter(n, AttrNumUpdates),
	}
}

func counter(n tree.Node, name string) int {
	v, ok := n.LookupAttr(name)
	if !ok {
		if legacy, has := legacyCounterAttrs[name]; has {
			v, ok = n.LookupAttr(legacy)
		}
	}
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}

// SetVersion writes the triple onto an element, dropping any legacy
// spelling of the counters.
func SetVersion(n tree.Node, v Version) {
	for _, legacy := range legacyCounterAttrs {
		if _, ok := n.LookupAttr(legacy); ok {
			n.RemoveAttr(legacy)
		}
	}
	n.SetAttr(AttrAdminEpoch, strconv.Itoa(v.AdminEpoch))
	n.SetAttr(AttrEpoch, strconv.Itoa(v.Epoch))
	n.SetAttr(AttrNumUpdates, strconv.Itoa(v.NumUpdates))
}

// Sections of the document that requests may target.
const (
	SectionConfiguration = "configuration"
	SectionStatus        = "status"
	SectionNodes         = "nodes"
	SectionResources     = "resources"
	SectionConstraints   = "constraints"
	SectionCRMConfig     = "crm_config"
	SectionRscDefaults   = "rsc_defaults"
	SectionOpDefaults    = "op_defaults"
	SectionAlerts        = "alerts"
	SectionACLs          = "acls"
	SectionTags          = "tags"
	SectionFencingTopo   = "fencing-topology"
	SectionAll           = "all"
)

// sectionParents locates each section in the document.
var sectionParents = map[string]string{
	SectionConfiguration: "/cib",
	SectionStatus:        "/cib",
	SectionNodes:         "/cib/configuration",
	SectionResources:     "/cib/configuration",
	SectionConstraints:   "/cib/configuration",
	SectionCRMConfig:     "/cib/configuration",
	SectionRscDefaults:   "/cib/configuration",
	SectionOpDefaults:    "/cib/configuration",
	SectionAlerts:        "/cib/configuration",
	SectionACLs:          "/cib/configuration",
	SectionTags:          "/cib/configuration",
	SectionFencingTopo:   "/cib/configuration",
}

// SectionPath returns the absolute path of a section, or "" if the name is
// unknown. The empty name and "all" mean the whole document.
func SectionPath(section string) (string, bool) {
	if section == "" || section == SectionAll || section == "cib" {
		return "/cib", true
	}
	parent, ok := sectionParents[section]
	if !ok {
		return "", false
	}
	return parent + "/" + section, true
}

// SectionParent returns the path of the element a section lives under.
func SectionParent(section string) (string, bool) {
	parent, ok := sectionParents[section]
	return parent, ok
}

// Empty returns a new, empty document at the given epoch.
func Empty(epoch int, schema string) *tree.Document {
	d := tree.New("cib")
	root := d.Root()
	SetVersion(root, Version{Epoch: epoch})
	root.SetAttr(AttrValidateWith, schema)
	root.SetAttr(AttrFeatureSet, FeatureSet)
	cfg := root.AddChild(SectionConfiguration)
	for _, s := range []string{SectionCRMConfig, SectionNodes, SectionResources, SectionConstraints} {
		cfg.AddChild(s)
	}
	root.AddChild(SectionStatus)
	return d
}

// CompareFeatureSet compares two dotted feature set versions numerically.
// Missing components count as zero.
func CompareFeatureSet(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for len(as) < len(bs) {
		as = append(as, "0")
	}
	for len(bs) < len(as) {
		bs = append(bs, "0")
	}
	for i := range as {
		x, _ := strconv.Atoi(as[i])
		y, _ := strconv.Atoi(bs[i])
		if c := cmpInt(x, y); c != 0 {
			return c
		}
	}
	return 0
}
