package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	require.Empty(t, tel.Addr)

	counter, err := tel.Meter.Int64Counter("aplustree.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}

func TestNew_ServesMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, PrometheusAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer shutdown(context.Background())
	require.NotEmpty(t, tel.Addr)

	counter, err := tel.Meter.Int64Counter("aplustree.node.splits")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	_, span := tel.Tracer.Start(context.Background(), "select")
	span.End()

	resp, err := http.Get("http://" + tel.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "aplustree_node_splits")
}
