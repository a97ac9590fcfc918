package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveImport(t *testing.T) {
	m := New(nil)
	m.ObserveImport("sandbox", "ok", 10*time.Millisecond)
	m.ObserveImport("sandbox", "ok", 20*time.Millisecond)
	m.ObserveImport("import", "resolution_error", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImportsTotal.WithLabelValues("sandbox", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportsTotal.WithLabelValues("import", "resolution_error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ImportDuration))
}

func TestObserveFetch(t *testing.T) {
	m := New(nil)
	m.ObserveFetch(true)
	m.ObserveFetch(false)
	m.ObserveFetch(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchCache.WithLabelValues(ResultHit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchCache.WithLabelValues(ResultMiss)))
}

func TestPluginsLoaded(t *testing.T) {
	m := New(nil)
	m.SetPluginsLoaded(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PluginsLoaded))
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveImport("builtin", "ok", time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `plugload_imports_total{outcome="ok",strategy="builtin"} 1`)
}
