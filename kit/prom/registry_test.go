package prom_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clusterlabs/cibd/kit/prom"
	"github.com/clusterlabs/cibd/kit/prom/promtest"
)

type component struct {
	calls prometheus.Counter
}

func (c component) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{c.calls}
}

func TestRegistry_HTTPHandler(t *testing.T) {
	c := component{calls: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cibd",
		Name:      "test_calls_total",
		Help:      "Calls made by the test.",
	})}
	c.calls.Add(3)

	reg := prom.NewRegistry(zaptest.NewLogger(t))
	reg.Register(c)

	srv := httptest.NewServer(reg.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mfs, err := promtest.FromHTTPResponse(resp)
	require.NoError(t, err)
	require.Equal(t, 3.0, promtest.CounterValue(t, mfs, "cibd_test_calls_total", nil))
}
