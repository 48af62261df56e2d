package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBuildHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{}, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", IPFromRequest(req))

	req.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}

func TestDeviceIDFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?device_id=tablet", nil)
	assert.Equal(t, "tablet", DeviceIDFromRequest(req))

	req.Header.Set("X-Device-Id", "phone")
	assert.Equal(t, "phone", DeviceIDFromRequest(req))
}

func TestNewEnvelopeStampsTime(t *testing.T) {
	env := NewEnvelope("ws_events", "ws_connect", nil)
	assert.Equal(t, "ws_connect", env.EventName)
	assert.False(t, env.OccurredAt.IsZero())
}

func TestHTTPMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/conversations/:conversation_id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversations/:conversation_id", "204")
	before := testutil.ToFloat64(counter)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/12", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestDomainCounters(t *testing.T) {
	before := testutil.ToFloat64(fanoutFailuresTotal.WithLabelValues("typing"))
	IncFanoutFailure("typing")
	assert.Equal(t, before+1, testutil.ToFloat64(fanoutFailuresTotal.WithLabelValues("typing")))

	SetPresenceOnline(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(presenceOnlineUsers))
}
