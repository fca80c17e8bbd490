package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func securedRouter(opt SecurityOptions, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(SecurityHeaders(opt))
	r.GET("/api/v1/queue/stats", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	r.GET("/swagger/*any", func(c *gin.Context) { c.String(http.StatusOK, "<html></html>") })
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	r := securedRouter(SecurityOptions{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": apiCSP,
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q; want %q", k, got, v)
		}
	}
	for _, k := range []string{"Permissions-Policy", "Cache-Control", "Strict-Transport-Security", "Access-Control-Expose-Headers"} {
		if got := w.Header().Get(k); got != "" {
			t.Errorf("unexpected %s = %q", k, got)
		}
	}
}

func TestSecurityHeaders_Options(t *testing.T) {
	opt := SecurityOptions{
		EnableHSTS:   true,
		HSTSMaxAge:   time.Hour,
		NoStore:      true,
		EnablePolicy: true,
		CSPExempt:    []string{"/swagger/"},
	}
	r := securedRouter(opt)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))
	h := w.Header()
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" {
		t.Fatalf("no-store headers missing: %v", h)
	}
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers missing: %v", h)
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS must not be sent over plain http")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if got := w.Header().Get("Content-Security-Policy"); got != "" {
		t.Fatalf("swagger UI got CSP %q", got)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	r := securedRouter(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour})
	cases := []struct {
		name string
		req  func() *http.Request
	}{
		{"tls", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
			req.TLS = &tls.ConnectionState{}
			return req
		}},
		{"forwarded proto", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
			req.Header.Set("X-Forwarded-Proto", "HTTPS")
			return req
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, tc.req())
			if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains" {
				t.Fatalf("HSTS = %q", got)
			}
		})
	}

	r = securedRouter(SecurityOptions{EnableHSTS: true})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains" {
		t.Fatalf("default HSTS = %q", got)
	}
}

func TestSecurityHeaders_ExposesRequestID(t *testing.T) {
	cases := []struct {
		name     string
		existing string
		want     string
	}{
		{"empty", "", "X-Request-ID"},
		{"appended", "Retry-After", "Retry-After, X-Request-ID"},
		{"already present", "X-Request-ID, Retry-After", "X-Request-ID, Retry-After"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := securedRouter(SecurityOptions{}, func(c *gin.Context) {
				c.Header("X-Request-ID", "rid-1")
				if tc.existing != "" {
					c.Header("Access-Control-Expose-Headers", tc.existing)
				}
				c.Next()
			})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))
			if got := w.Header().Get("Access-Control-Expose-Headers"); got != tc.want {
				t.Fatalf("expose = %q; want %q", got, tc.want)
			}
		})
	}
}
