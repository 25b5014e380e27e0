package alerts_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/clusterlabs/cibd/alerts"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

func doc(alertsXML string) *tree.Document {
	return tree.MustParse(`<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><crm_config/>` +
		`<alerts>` + alertsXML + `</alerts></configuration><status/></cib>`)
}

func TestParse(t *testing.T) {
	t.Parallel()

	entries, err := alerts.Parse(doc(`
<alert id="a1" path="/usr/bin/a1">
  <meta_attributes id="a1-meta">
    <nvpair id="a1-t" name="timeout" value="15s"/>
    <nvpair id="a1-f" name="timestamp-format" value="%Y"/>
    <nvpair id="a1-k" name="select_kind" value="attribute, node"/>
  </meta_attributes>
  <instance_attributes id="a1-env">
    <nvpair id="a1-e" name="LOG" value="/tmp/a1"/>
  </instance_attributes>
</alert>
<alert id="a2" path="/usr/bin/a2">
  <select><select_attributes><attribute id="a2-s" name="shutdown"/></select_attributes></select>
  <recipient id="r1" value="ops@example.com"/>
  <recipient id="r2" value="dev@example.com">
    <meta_attributes id="r2-meta"><nvpair id="r2-t" name="timeout" value="5000ms"/></meta_attributes>
  </recipient>
</alert>`))
	require.NoError(t, err)

	want := []alerts.Entry{
		{
			ID:              "a1",
			AlertID:         "a1",
			Path:            "/usr/bin/a1",
			Timeout:         15 * time.Second,
			TimestampFormat: "%Y",
			Kinds:           []string{alerts.KindAttribute, alerts.KindNode},
			Env:             map[string]string{"LOG": "/tmp/a1"},
		},
		{
			ID:              "r1",
			AlertID:         "a2",
			Path:            "/usr/bin/a2",
			Recipient:       "ops@example.com",
			Timeout:         alerts.DefaultTimeout,
			TimestampFormat: alerts.DefaultTimestampFormat,
			Kinds:           []string{alerts.KindAttribute},
			AttributeNames:  []string{"shutdown"},
			Env:             map[string]string{},
		},
		{
			ID:              "r2",
			AlertID:         "a2",
			Path:            "/usr/bin/a2",
			Recipient:       "dev@example.com",
			Timeout:         5 * time.Second,
			TimestampFormat: alerts.DefaultTimestampFormat,
			Kinds:           []string{alerts.KindAttribute},
			AttributeNames:  []string{"shutdown"},
			Env:             map[string]string{},
		},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	entries, err := alerts.Parse(doc(`
<alert path="/usr/bin/noid"/>
<alert id="nopath"/>
<alert id="ok" path="/usr/bin/ok"/>
<alert id="off" path="/usr/bin/off">
  <meta_attributes id="off-meta"><nvpair id="off-e" name="enabled" value="false"/></meta_attributes>
</alert>`))
	require.Error(t, err)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
	require.Contains(t, err.Error(), "nopath")
	require.Len(t, entries, 1)
	require.Equal(t, "ok", entries[0].ID)
}

func TestParse_NoAlerts(t *testing.T) {
	t.Parallel()

	entries, err := alerts.Parse(tree.MustParse(`<cib><configuration/><status/></cib>`))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEntry_Selects(t *testing.T) {
	t.Parallel()

	e := alerts.Entry{}
	for _, kind := range alerts.DefaultKinds {
		require.True(t, e.Selects(kind), kind)
	}
	require.True(t, e.SelectsAttribute("anything"))

	e = alerts.Entry{Kinds: []string{alerts.KindNode}, AttributeNames: []string{"foo"}}
	require.True(t, e.Selects(alerts.KindNode))
	require.False(t, e.Selects(alerts.KindAttribute))
	require.True(t, e.SelectsAttribute("foo"))
	require.False(t, e.SelectsAttribute("bar"))
}

func TestNeedsReloadPath(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/cib/configuration/alerts":                          true,
		"/cib/configuration/alerts/alert[@id='a1']":          true,
		"/cib/configuration/crm_config/cluster_property_set": true,
		"/cib/configuration/resources":                       false,
		"/cib/configuration/alertsX":                         false,
		"/cib/status":                                        false,
	} {
		require.Equal(t, want, alerts.NeedsReloadPath(path), path)
	}
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, time.March, 5, 14, 7, 9, 123456789, time.UTC)
	for format, want := range map[string]string{
		alerts.DefaultTimestampFormat: "14:07:09.123456",
		"%Y-%m-%d %H:%M:%S":           "2024-03-05 14:07:09",
		"%3N":                         "123",
		"%9N":                         "123456789",
		"%N":                          "123456",
		"%0N":                         "123456",
		"%12N":                        "123456789",
		"%3N|%%3N":                    "123|%3N",
		"%H:%3N:%S":                   "14:123:09",
		"%F %T":                       "2024-03-05 14:07:09",
		"%e|%j|%y":                    " 5|065|24",
		"%I%p":                        "02PM",
		"%a %b":                       "Tue Mar",
		"%s":                          "1709647629",
		"100%%":                       "100%",
		"%q":                          "%q",
		"%4q":                         "%4q",
		"%3S":                         "%3S",
		"%q %3N":                      "%q 123",
		"end%":                        "end%",
		"end%12":                      "end%12",
	} {
		require.Equal(t, want, alerts.FormatTimestamp(format, ts), format)
	}
}
