// Package promtest provides helpers for reading prometheus metrics in tests.
// These functions depend on the testing package and are only intended
// to be called from test files.
package promtest

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// FromHTTPResponse parses the metrics served on a /metrics endpoint.
// The response body is always closed.
func FromHTTPResponse(r *http.Response) ([]*dto.MetricFamily, error) {
	defer r.Body.Close()

	dec := expfmt.NewDecoder(r.Body, expfmt.ResponseFormat(r.Header))
	var mfs []*dto.MetricFamily
	for {
		mf := new(dto.MetricFamily)
		if err := dec.Decode(mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		mfs = append(mfs, mf)
	}
	return mfs, nil
}

// MustGather registers collectors on a fresh registry and gathers them,
// calling tb.Fatal if registration or gathering fails.
func MustGather(tb testing.TB, collectors ...prometheus.Collector) []*dto.MetricFamily {
	tb.Helper()

	reg := prometheus.NewPedanticRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			tb.Fatalf("error registering collector: %v", err)
		}
	}
	mfs, err := reg.Gather()
	if err != nil {
		tb.Fatalf("error while gathering metrics: %v", err)
	}
	return mfs
}

// FindMetric returns the metric of family name whose labels equal labels,
// or nil if there is none.
func FindMetric(mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if labelsEqual(m.Label, labels) {
				return m
			}
		}
	}
	return nil
}

// MustFindMetric is FindMetric that fails the test, listing what was
// available, when nothing matches.
func MustFindMetric(tb testing.TB, mfs []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	tb.Helper()

	if m := FindMetric(mfs, name, labels); m != nil {
		return m
	}
	var avail []string
	for _, mf := range mfs {
		for _, m := range mf.Metric {
			avail = append(avail, mf.GetName()+describe(m.Label))
		}
	}
	sort.Strings(avail)
	tb.Fatalf("metric %s%v not found; available:\n\t%s", name, labels, strings.Join(avail, "\n\t"))
	return nil
}

// CounterValue returns the value of a counter, or of the count of a gauge
// used as one.
func CounterValue(tb testing.TB, mfs []*dto.MetricFamily, name string, labels map[string]string) float64 {
	tb.Helper()

	m := MustFindMetric(tb, mfs, name, labels)
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	tb.Fatalf("metric %s is neither a counter nor a gauge", name)
	return 0
}

func labelsEqual(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, l := range pairs {
		if v, ok := labels[l.GetName()]; !ok || v != l.GetValue() {
			return false
		}
	}
	return true
}

func describe(pairs []*dto.LabelPair) string {
	parts := make([]string, len(pairs))
	for i, l := range pairs {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
