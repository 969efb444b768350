package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projectbot-core/internal/domain/entity"
)

type fakeAnswerer struct {
	mu   sync.Mutex
	seen []entity.Query
	resp *entity.Response
}

func (f *fakeAnswerer) GetResponse(_ context.Context, q entity.Query) *entity.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, q)
	return f.resp
}

type fakeAdmin struct {
	cleared       []string
	searchCleared int
	metrics       entity.SearchMetrics
	metricsErr    error
	clearErr      error
}

func (f *fakeAdmin) ClearContextCache(_ context.Context, partition string) error {
	f.cleared = append(f.cleared, partition)
	return f.clearErr
}

func (f *fakeAdmin) ClearSearchCache(context.Context) error {
	f.searchCleared++
	return f.clearErr
}

func (f *fakeAdmin) SearchMetrics(_ context.Context, date string) (entity.SearchMetrics, error) {
	if f.metricsErr != nil {
		return entity.SearchMetrics{}, f.metricsErr
	}
	m := f.metrics
	m.Date = date
	return m, nil
}

func newTestApp(a *fakeAnswerer, adm *fakeAdmin) *fiber.App {
	app := fiber.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "projectbot_test_total", Help: "test"}))
	SetupRouter(app, NewChatHandler(a, nil), NewAdminHandler(adm, nil), RouterConfig{Version: "1.2.3", Env: "test", Gatherer: reg})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	app := newTestApp(&fakeAnswerer{}, &fakeAdmin{})
	resp, body := doJSON(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(&fakeAnswerer{}, &fakeAdmin{})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "projectbot_test_total")
}

func TestHandleChat(t *testing.T) {
	a := &fakeAnswerer{resp: &entity.Response{
		Text:      "Apollo is over budget.",
		Source:    entity.SourcePrimary,
		Provider:  entity.ProviderGemini,
		RequestID: "req-9",
	}}
	app := newTestApp(a, &fakeAdmin{})

	history := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		history = append(history, fmt.Sprintf(`{"role":"user","content":"turn %d"}`, i))
	}
	body := fmt.Sprintf(`{"prompt":"  Which project is over budget?  ","partition":"Engineering","provider":"openai","refresh_data":true,"history":[%s]}`,
		strings.Join(history, ","))

	resp, out := doJSON(t, app, http.MethodPost, "/v1/chat", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "primary", resp.Header.Get("X-Response-Source"))
	assert.Equal(t, "req-9", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "Apollo is over budget.", out["response"])
	assert.Equal(t, "primary", out["source"])
	assert.NotContains(t, out, "error")

	require.Len(t, a.seen, 1)
	q := a.seen[0]
	assert.Equal(t, "Which project is over budget?", q.Text)
	assert.Equal(t, "Engineering", q.Partition)
	assert.Equal(t, entity.ProviderOpenAI, q.Provider)
	assert.True(t, q.BypassCache)
	require.Len(t, q.History, entity.DefaultMaxHistoryTurns)
	assert.Equal(t, "turn 59", q.History[len(q.History)-1].Text)
}

func TestHandleChat_ErrorEnvelopeIsStill200(t *testing.T) {
	a := &fakeAnswerer{resp: &entity.Response{Text: "sorry", Source: entity.SourceError, Error: "gemini: other"}}
	app := newTestApp(a, &fakeAdmin{})

	resp, out := doJSON(t, app, http.MethodPost, "/v1/chat", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "error", out["source"])
	assert.Equal(t, "gemini: other", out["error"])
}

func TestHandleChat_BadRequests(t *testing.T) {
	app := newTestApp(&fakeAnswerer{}, &fakeAdmin{})
	tests := map[string]string{
		"malformed":    `{"prompt":`,
		"empty prompt": `{"prompt":"   "}`,
		"bad provider": `{"prompt":"hi","provider":"llama"}`,
		"bad role":     `{"prompt":"hi","history":[{"role":"system","content":"x"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := doJSON(t, app, http.MethodPost, "/v1/chat", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestAdminRoutes(t *testing.T) {
	adm := &fakeAdmin{metrics: entity.SearchMetrics{MetricsRecord: entity.MetricsRecord{Total: 4}}}
	app := newTestApp(&fakeAnswerer{}, adm)

	resp, out := doJSON(t, app, http.MethodPost, "/v1/admin/context-cache/clear", `{"partition":"Engineering"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Engineering", out["partition"])

	resp, out = doJSON(t, app, http.MethodPost, "/v1/admin/context-cache/clear", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "all", out["partition"])
	assert.Equal(t, []string{"Engineering", ""}, adm.cleared)

	resp, _ = doJSON(t, app, http.MethodPost, "/v1/admin/search-cache/clear", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, adm.searchCleared)

	resp, out = doJSON(t, app, http.MethodGet, "/v1/admin/search-metrics?date=20260314", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "20260314", out["date"])
	assert.EqualValues(t, 4, out["total_searches"])
}

func TestAdminRoutes_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad date", fmt.Errorf("%w: date", entity.ErrInvalidRequest), http.StatusBadRequest},
		{"disabled", entity.ErrSearchDisabled, http.StatusServiceUnavailable},
		{"store down", errors.New("redis: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeAnswerer{}, &fakeAdmin{metricsErr: tt.err})
			resp, out := doJSON(t, app, http.MethodGet, "/v1/admin/search-metrics", "")
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotContains(t, out["error"], "redis")
		})
	}

	app := newTestApp(&fakeAnswerer{}, &fakeAdmin{clearErr: errors.New("boom")})
	resp, _ := doJSON(t, app, http.MethodPost, "/v1/admin/search-cache/clear", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
