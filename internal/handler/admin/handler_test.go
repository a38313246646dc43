package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-tavern/chatstream/internal/service/gateway"
)

type recordingHandle struct {
	events []string
}

func (h *recordingHandle) Send(event string, _ any) error {
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandle) Close() error { return nil }

func setupRouter(t *testing.T) (*chi.Mux, *gateway.Gateway) {
	t.Helper()
	log := zaptest.NewLogger(t)
	gw := gateway.New(nil, gateway.Options{Logger: log})
	r := chi.NewRouter()
	New(gw, log).RegisterRoutes(r)
	return r, gw
}

func TestHealthReportsGatewayState(t *testing.T) {
	r, gw := setupRouter(t)
	gw.Connect(&recordingHandle{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.AgentAvailable)
	assert.Equal(t, 1, body.ConnectedClients)
}

func TestBroadcastFansOut(t *testing.T) {
	r, gw := setupRouter(t)
	h := &recordingHandle{}
	gw.Connect(h)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/broadcast", strings.NewReader(`{"notice":"hi"}`)))

	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, []string{"connected", "broadcast"}, h.events)
}

func TestBroadcastRejectsNonObject(t *testing.T) {
	r, _ := setupRouter(t)

	for _, body := range []string{`[1,2]`, `null`, `{`} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/broadcast", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, resp.Code, body)
	}
}
