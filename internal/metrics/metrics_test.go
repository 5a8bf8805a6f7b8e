package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Command("startLoop", time.Millisecond, nil)
	m.Sample(1, true)
	m.TransportError(1)
	require.Nil(t, m.Registry())
}

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(2)
	m.Command("getCurrentPinFunction", 120*time.Millisecond, nil)
	m.Command("getCurrentPinFunction", time.Second, errors.New("timeout"))
	m.Sample(1, true)
	m.Sample(1, true)
	m.Sample(1, false)
	m.Streaming(1, true)

	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionsOpen))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("getCurrentPinFunction", "error")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.samples.WithLabelValues("1", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.streaming.WithLabelValues("1")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.True(t, strings.Contains(string(body), "pinlink_samples_total"))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
