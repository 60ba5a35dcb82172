package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.Attempts.Inc()
	m.Attempts.Inc()
	m.Active.Set(1)
	m.Lines.WithLabelValues("upstream", "halt").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Attempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lines.WithLabelValues("upstream", "halt")))

	// separate instances do not share state
	other := New()
	assert.Equal(t, 0.0, testutil.ToFloat64(other.Attempts))
}

func TestServe(t *testing.T) {
	m := New()
	m.Suppressed.Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Contains(t, string(body), "nickrelay_keepnick_suppressed_total 1")

	cancel()
	assert.NoError(t, <-done)
}
