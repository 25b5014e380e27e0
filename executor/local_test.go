package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clusterlabs/cibd/executor"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func wait(t *testing.T, ex *executor.Local) executor.Event {
	t.Helper()
	select {
	case ev := <-ex.Events():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for executor event")
	}
	return executor.Event{}
}

func TestLocal_Exec(t *testing.T) {
	t.Parallel()

	ex := executor.NewLocal(8, executor.WithLogger(zaptest.NewLogger(t)))
	defer ex.Close()
	ctx := context.Background()

	path := script(t, `echo "$CRM_alert_kind $CRM_alert_node $CRM_alert_attribute_name"`)
	info, err := ex.Register(ctx, "mail", "alert", "", path)
	require.NoError(t, err)
	require.Equal(t, path, info.Path)

	got, ok := ex.Info("mail")
	require.True(t, ok)
	require.Equal(t, info, got)

	id, err := ex.ExecAlert(ctx, "mail", 5*time.Second, map[string]string{
		executor.EnvPrefix + "kind":           "attribute",
		executor.EnvPrefix + "node":           "node1",
		executor.EnvPrefix + "attribute_name": "foo",
	})
	require.NoError(t, err)

	ev := wait(t, ex)
	require.Equal(t, executor.EventExecComplete, ev.Type)
	require.Equal(t, id, ev.CallID)
	require.Equal(t, "mail", ev.ID)
	require.Equal(t, executor.RCOK, ev.RC)
	require.NoError(t, ev.Err)
	require.Equal(t, "attribute node1 foo\n", ev.Output)
}

func TestLocal_Failures(t *testing.T) {
	t.Parallel()

	ex := executor.NewLocal(8)
	defer ex.Close()
	ctx := context.Background()

	_, err := ex.Register(ctx, "", "alert", "", "/bin/true")
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))

	_, err = ex.ExecAlert(ctx, "nope", time.Second, nil)
	require.Equal(t, ierrors.ENotFound, ierrors.ErrorCode(err))

	_, err = ex.Register(ctx, "exit3", "alert", "", script(t, "exit 3"))
	require.NoError(t, err)
	_, err = ex.ExecAlert(ctx, "exit3", 5*time.Second, nil)
	require.NoError(t, err)
	ev := wait(t, ex)
	require.Equal(t, 3, ev.RC)
	require.Error(t, ev.Err)

	_, err = ex.Register(ctx, "slow", "alert", "", script(t, "exec sleep 10"))
	require.NoError(t, err)
	_, err = ex.ExecAlert(ctx, "slow", 50*time.Millisecond, nil)
	require.NoError(t, err)
	ev = wait(t, ex)
	require.Equal(t, executor.RCTimeout, ev.RC)
	require.Equal(t, ierrors.ETimeout, ierrors.ErrorCode(ev.Err))

	_, err = ex.Register(ctx, "missing", "alert", "", filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	_, err = ex.ExecAlert(ctx, "missing", time.Second, nil)
	require.NoError(t, err)
	ev = wait(t, ex)
	require.Equal(t, executor.RCNoAgent, ev.RC)
}

func TestLocal_SerializesPerID(t *testing.T) {
	t.Parallel()

	ex := executor.NewLocal(8)
	ctx := context.Background()

	log := filepath.Join(t.TempDir(), "log")
	path := script(t, `echo "start $CRM_alert_sequence" >> `+log+`
sleep 0.05
echo "end $CRM_alert_sequence" >> `+log)
	_, err := ex.Register(ctx, "a", "alert", "", path)
	require.NoError(t, err)

	for _, seq := range []string{"1", "2", "3"} {
		_, err := ex.ExecAlert(ctx, "a", 5*time.Second, map[string]string{executor.EnvPrefix + "sequence": seq})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		require.Equal(t, executor.RCOK, wait(t, ex).RC)
	}

	b, err := os.ReadFile(log)
	require.NoError(t, err)
	require.Equal(t, []string{
		"start 1", "end 1",
		"start 2", "end 2",
		"start 3", "end 3",
	}, strings.Split(strings.TrimSpace(string(b)), "\n"))

	require.NoError(t, ex.Close())
	ev, ok := <-ex.Events()
	require.True(t, ok)
	require.Equal(t, executor.EventDisconnected, ev.Type)
	_, ok = <-ex.Events()
	require.False(t, ok)

	_, err = ex.ExecAlert(ctx, "a", time.Second, nil)
	require.Equal(t, ierrors.EUnavailable, ierrors.ErrorCode(err))
}
