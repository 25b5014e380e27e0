package alerts_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clusterlabs/cibd/alerts"
	"github.com/clusterlabs/cibd/executor"
	"github.com/clusterlabs/cibd/kit/prom/promtest"
	"github.com/clusterlabs/cibd/mock"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

func newNotifier(t *testing.T, ex executor.Executor) (*alerts.Notifier, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, time.March, 5, 14, 7, 9, 500000000, time.UTC))
	n := alerts.NewNotifier(ex,
		alerts.WithLogger(zaptest.NewLogger(t)),
		alerts.WithClock(clk),
		alerts.WithVersion("2.1.9"))
	return n, clk
}

func entry(kinds ...string) alerts.Entry {
	return alerts.Entry{
		ID:              "a1",
		AlertID:         "a1",
		Path:            "/usr/bin/alert",
		Recipient:       "ops",
		Timeout:         alerts.DefaultTimeout,
		TimestampFormat: "%H:%M:%S.%3N",
		Kinds:           kinds,
		Env:             map[string]string{"EXTRA": "1"},
	}
}

func TestNotifier_AttributeFiltering(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	ex := mock.NewMockExecutor(ctrl)
	n, _ := newNotifier(t, ex)
	ctx := context.Background()
	ev := alerts.AttributeEvent{Node: "node1", NodeID: "1", Name: "foo", Value: "bar"}

	// No executor calls are expected while the entry only selects nodes.
	n.Swap([]alerts.Entry{entry(alerts.KindNode)})
	require.Equal(t, 0, n.AttributeUpdate(ctx, ev))
	prior := n.Sequence()

	n.Swap([]alerts.Entry{entry(alerts.KindAttribute)})
	info := executor.ResourceInfo{ID: "a1", Class: "alert", Provider: "pacemaker", Path: "/usr/bin/alert"}
	want := map[string]string{
		"EXTRA":                     "1",
		"CRM_alert_recipient":       "ops",
		"CRM_alert_node":            "node1",
		"CRM_alert_nodeid":          "1",
		"CRM_alert_attribute_name":  "foo",
		"CRM_alert_attribute_value": "bar",
		"CRM_alert_path":            "/usr/bin/alert",
		"CRM_alert_version":         "2.1.9",
		"CRM_alert_kind":            "attribute",
		"CRM_alert_timestamp":       "14:07:09.500",
		"CRM_alert_timestamp_epoch": "1709647629",
		"CRM_alert_timestamp_usec":  "500000",
		"CRM_alert_node_sequence":   strconv.FormatUint(prior+1, 10),
	}
	gomock.InOrder(
		ex.EXPECT().Info("a1").Return(executor.ResourceInfo{}, false),
		ex.EXPECT().Register(gomock.Any(), "a1", "alert", "pacemaker", "/usr/bin/alert").Return(info, nil),
		ex.EXPECT().ExecAlert(gomock.Any(), "a1", alerts.DefaultTimeout, want).Return(7, nil),
	)
	require.Equal(t, 1, n.AttributeUpdate(ctx, ev))
	require.Equal(t, prior+1, n.Sequence())

	// Other attribute names are filtered once the entry names some.
	e := entry(alerts.KindAttribute)
	e.AttributeNames = []string{"shutdown"}
	n.Swap([]alerts.Entry{e})
	require.Equal(t, 0, n.AttributeUpdate(ctx, ev))
}

func TestNotifier_ResourceEvent(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	ex := mock.NewMockExecutor(ctrl)
	n, _ := newNotifier(t, ex)
	ctx := context.Background()
	ev := alerts.ResourceEvent{
		Node: "node1", NodeID: "1", Resource: "r1", Op: "monitor",
		Interval: 10000, RC: 7, TargetRC: 0,
	}

	n.Swap([]alerts.Entry{entry(alerts.KindNode, alerts.KindAttribute)})
	require.Equal(t, 0, n.ResourceEvent(ctx, ev))

	n.Swap([]alerts.Entry{entry(alerts.KindResource)})
	ex.EXPECT().Info("a1").Return(executor.ResourceInfo{ID: "a1", Path: "/usr/bin/alert"}, true)
	ex.EXPECT().ExecAlert(gomock.Any(), "a1", alerts.DefaultTimeout, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ time.Duration, params map[string]string) (int, error) {
			require.Equal(t, "resource", params["CRM_alert_kind"])
			require.Equal(t, "node1", params["CRM_alert_node"])
			require.Equal(t, "r1", params["CRM_alert_rsc"])
			require.Equal(t, "monitor", params["CRM_alert_task"])
			require.Equal(t, "10000", params["CRM_alert_interval"])
			require.Equal(t, "7", params["CRM_alert_rc"])
			require.Equal(t, "0", params["CRM_alert_status"])
			require.Equal(t, "0", params["CRM_alert_target_rc"])
			require.Equal(t, "rc 7, expected 0", params["CRM_alert_desc"])
			return 4, nil
		})
	require.Equal(t, 1, n.ResourceEvent(ctx, ev))

	require.Equal(t, "ok", alerts.ResourceEvent{RC: 7, TargetRC: 7}.Desc())
	require.Equal(t, "op-status 2", alerts.ResourceEvent{Status: 2}.Desc())
}

func TestNotifier_OneInvocationPerEntry(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	ex := mock.NewMockExecutor(ctrl)
	n, _ := newNotifier(t, ex)
	ctx := context.Background()
	n.Swap([]alerts.Entry{entry()})

	info := executor.ResourceInfo{ID: "a1", Class: "alert", Provider: "pacemaker", Path: "/usr/bin/alert"}
	ex.EXPECT().Info("a1").Return(info, true)

	var sequences []string
	record := func(_ context.Context, _ string, _ time.Duration, params map[string]string) {
		sequences = append(sequences, params["CRM_alert_node_sequence"])
	}
	ex.EXPECT().ExecAlert(gomock.Any(), "a1", gomock.Any(), gomock.Any()).Do(record).Return(1, nil)

	require.Equal(t, 1, n.AttributeUpdate(ctx, alerts.AttributeEvent{Node: "n1", Name: "a", Value: "1"}))
	require.Equal(t, 1, n.NodeEvent(ctx, alerts.NodeEvent{Node: "n1", NodeID: "1", State: "member"}))
	require.Len(t, sequences, 1, "second invocation must wait for the first")

	ex.EXPECT().ExecAlert(gomock.Any(), "a1", gomock.Any(), gomock.Any()).Do(record).Return(2, nil)
	n.HandleEvent(ctx, executor.Event{Type: executor.EventExecComplete, CallID: 1, ID: "a1"})
	require.Equal(t, []string{"1", "2"}, sequences)

	// A completion of an unknown call changes nothing.
	n.HandleEvent(ctx, executor.Event{Type: executor.EventExecComplete, CallID: 99, ID: "a1"})
	n.HandleEvent(ctx, executor.Event{Type: executor.EventExecComplete, CallID: 2, ID: "a1"})

	mfs := promtest.MustGather(t, n.PrometheusCollectors()...)
	require.Equal(t, 1.0, promtest.CounterValue(t, mfs, "cibd_alerts_sent_total", map[string]string{"kind": "attribute"}))
	require.Equal(t, 1.0, promtest.CounterValue(t, mfs, "cibd_alerts_sent_total", map[string]string{"kind": "node"}))

	require.NoError(t, n.Close())
}

func TestNotifier_ReloadDrains(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	ex := mock.NewMockExecutor(ctrl)
	n, _ := newNotifier(t, ex)
	ctx := context.Background()
	n.Swap([]alerts.Entry{entry()})

	ex.EXPECT().Info("a1").Return(executor.ResourceInfo{ID: "a1", Path: "/usr/bin/alert"}, true)
	ex.EXPECT().ExecAlert(gomock.Any(), "a1", gomock.Any(), gomock.Any()).Return(3, nil)
	require.Equal(t, 1, n.AttributeUpdate(ctx, alerts.AttributeEvent{Name: "a"}))

	err := n.Reload(tree.MustParse(`<cib><configuration><alerts><alert id="b1" path="/usr/bin/b"/></alerts></configuration></cib>`))
	require.NoError(t, err)
	entries := n.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "b1", entries[0].ID)

	closed := make(chan struct{})
	go func() {
		_ = n.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned with an invocation in flight")
	case <-time.After(50 * time.Millisecond):
	}

	n.HandleEvent(ctx, executor.Event{Type: executor.EventDisconnected})
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return after the executor disconnected")
	}
}

func TestNeedsReload(t *testing.T) {
	t.Parallel()

	base := `<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><crm_config/><alerts/><resources/></configuration><status/></cib>`
	p, err := patchset.Create(tree.MustParse(base), tree.MustParse(
		`<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><crm_config/><alerts><alert id="a" path="/x"/></alerts><resources/></configuration><status/></cib>`), true)
	require.NoError(t, err)
	require.True(t, alerts.NeedsReload(p))

	p, err = patchset.Create(tree.MustParse(base), tree.MustParse(
		`<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><crm_config/><alerts/><resources><primitive id="r"/></resources></configuration><status/></cib>`), true)
	require.NoError(t, err)
	require.False(t, alerts.NeedsReload(p))
	require.False(t, alerts.NeedsReload(nil))
}
