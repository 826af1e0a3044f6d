package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strombergh/concord/internal/auth"
	"github.com/strombergh/concord/internal/bus"
	"github.com/strombergh/concord/internal/config"
	"github.com/strombergh/concord/internal/directory"
	"github.com/strombergh/concord/internal/gateway"
	"github.com/strombergh/concord/internal/metrics"
	"github.com/strombergh/concord/internal/relay"
	"github.com/strombergh/concord/internal/voice"
)

func newTestRouter(t *testing.T) (*gin.Engine, *voice.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Mode: "release", Secret: "test", ServerVersion: "1.2.0"}
	b := bus.New()
	engine, err := relay.NewEngine(nil)
	require.NoError(t, err)

	dir := directory.NewStatic()
	orch := voice.NewOrchestrator(engine, b, dir, dir, nil)
	gw := gateway.New(cfg, b, gateway.NewRegistry(b), auth.NewVerifier("test"), dir, orch, nil)

	return SetupRouter(context.Background(), cfg, gw, orch, metrics.New()), orch
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.0", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoomsListingEmpty(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rooms []voice.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Rooms)
}

func TestClientTokenCookieSet(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" && c.Value != "" {
			found = true
		}
	}
	assert.True(t, found, "client token cookie issued")
}
