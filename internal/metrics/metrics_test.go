package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are always exported; vectors only after first observation.
	body := w.Body.String()
	for _, name := range []string{
		"fiatescrow_outbox_pending_transfers",
		"fiatescrow_active_websocket_clients",
		"fiatescrow_reconciliation_drift_units",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}

	EscrowTransitionsTotal.WithLabelValues("fund", "ok").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "fiatescrow_escrow_transitions_total")
}

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:key", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/escrows/0xabc", nil))

	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/v1/escrows/:key", "4xx")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}
