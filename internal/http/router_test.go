package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-voice-queue/internal/config"
	"github.com/tbourn/go-voice-queue/internal/http/handlers"
	"github.com/tbourn/go-voice-queue/internal/http/middleware"
	"github.com/tbourn/go-voice-queue/internal/registry"
	"github.com/tbourn/go-voice-queue/internal/repo/repotest"
	"github.com/tbourn/go-voice-queue/internal/services"
)

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

// newRouter wires real services over an in-memory database.
func newRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := repotest.NewDB(t)
	log := zerolog.Nop()
	h := handlers.New(handlers.Deps{
		Queue:    services.NewQueueService(db, log),
		Settings: &services.SettingsService{DB: db},
		Access:   &services.AccessService{DB: db, Index: registry.NewAccess()},
		Channels: registry.NewChannels(),
	})
	r := gin.New()
	RegisterRoutes(r, h, cfg, log)
	return r
}

func serve(r *gin.Engine, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newRouter(t, baseConfig())

	w := serve(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}

	w = serve(r, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	if w := serve(r, http.MethodGet, "/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/health", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS.AllowedOrigins = []string{"http://example.com"}
	r := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/health", nil, map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_AdminTokenGuardsAPIOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.AdminToken = "s3cret"
	r := newRouter(t, cfg)

	if w := serve(r, http.MethodGet, "/api/v1/queue/stats", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/queue/stats", nil, map[string]string{"Authorization": "Bearer nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/queue/stats", nil, map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("good token: %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("health must stay open: %d", w.Code)
	}
}

func TestRegisterRoutes_EnqueueLifecycle(t *testing.T) {
	r := newRouter(t, baseConfig())
	op := map[string]string{middleware.HeaderOperator: "alice"}

	body := map[string]any{"user_id": "U1", "guild_id": "G1", "type": "PVC", "channel_name": "Ada's channel"}
	w := serve(r, http.MethodPost, "/api/v1/queue/requests", body, op)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", w.Code, w.Body.String())
	}
	var created handlers.EnqueueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Position == nil || *created.Position != 0 {
		t.Fatalf("first request should be at position 0: %+v", created.Position)
	}

	// Same pair again returns the existing active request.
	w = serve(r, http.MethodPost, "/api/v1/queue/requests", body, op)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate enqueue: %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/api/v1/queue/requests/"+created.Request.ID, nil, op)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}

	w = serve(r, http.MethodDelete, "/api/v1/queue/requests?user_id=U1&guild_id=G1", nil, op)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodDelete, "/api/v1/queue/requests?user_id=U1&guild_id=G1", nil, op); w.Code != http.StatusNotFound {
		t.Fatalf("second cancel: %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/api/v1/queue/requests?status=CANCELLED", nil, op)
	var list handlers.ListRequestsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Requests) != 1 {
		t.Fatalf("list cancelled: %v %s", err, w.Body.String())
	}
}

func TestRegisterRoutes_SettingsAndAccess(t *testing.T) {
	r := newRouter(t, baseConfig())

	if w := serve(r, http.MethodGet, "/api/v1/guilds/G1/settings", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unconfigured guild: %d", w.Code)
	}
	w := serve(r, http.MethodPut, "/api/v1/guilds/G1/settings", map[string]any{"pvc_interface_id": "IFACE"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("put settings: %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodGet, "/api/v1/guilds/G1/settings", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("get settings: %d", w.Code)
	}

	grant := map[string]any{"owner_id": "O", "target_id": "T"}
	if w := serve(r, http.MethodPost, "/api/v1/guilds/G1/access", grant, nil); w.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodPost, "/api/v1/guilds/G1/access", grant, nil); w.Code != http.StatusConflict {
		t.Fatalf("duplicate grant: %d", w.Code)
	}
	if w := serve(r, http.MethodDelete, "/api/v1/guilds/G1/access/O/T", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d", w.Code)
	}
}

func TestRegisterRoutes_RateLimitedPerOperator(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r := newRouter(t, cfg)

	alice := map[string]string{middleware.HeaderOperator: "alice"}
	if w := serve(r, http.MethodGet, "/api/v1/channels", nil, alice); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w := serve(r, http.MethodGet, "/api/v1/channels", nil, alice)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
	if w := serve(r, http.MethodGet, "/api/v1/channels", nil, map[string]string{middleware.HeaderOperator: "bob"}); w.Code != http.StatusOK {
		t.Fatalf("other operator: %d", w.Code)
	}
}

func TestRegisterRoutes_SwaggerToggle(t *testing.T) {
	r := newRouter(t, baseConfig())
	if w := serve(r, http.MethodGet, "/swagger/doc.json", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled: %d", w.Code)
	}

	cfg := baseConfig()
	cfg.SwaggerEnabled = true
	r = newRouter(t, cfg)
	w := serve(r, http.MethodGet, "/swagger/doc.json", nil, nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("/queue/requests")) {
		t.Fatalf("swagger enabled: %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestPipeline_Smoke(t *testing.T) {
	cfg := baseConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	r := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}
