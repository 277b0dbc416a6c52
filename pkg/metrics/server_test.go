package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerDisabled(t *testing.T) {
	UseRegistry(nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	UseRegistry(reg)
	t.Cleanup(func() { UseRegistry(nil) })

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mirrorfs_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mirrorfs_test_total 3")
}

func TestInitRegistryIsIdempotent(t *testing.T) {
	UseRegistry(nil)
	t.Cleanup(func() { UseRegistry(nil) })

	InitRegistry()
	first := GetRegistry()
	require.NotNil(t, first)
	InitRegistry()
	assert.Same(t, first, GetRegistry())
	assert.True(t, IsEnabled())
}

func TestNewServerDefaultsPort(t *testing.T) {
	assert.Equal(t, 9090, NewServer(ServerConfig{}).Port())
	assert.Equal(t, 9100, NewServer(ServerConfig{Port: 9100}).Port())
}
