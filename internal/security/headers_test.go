package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHeadersMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/escrows/:key", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/escrows/x", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	} {
		assert.Equal(t, want, w.Header().Get(header), header)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/escrows", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"small", `{"a":1}`, http.StatusOK},
		{"declared too large", `{"amount":"123456789"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/escrows", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	// chunked bodies have no length and are cut off by the reader
	req := httptest.NewRequest(http.MethodPost, "/escrows", strings.NewReader(`{"amount":"123456789"}`))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
	}{
		{"allowed origin", []string{"https://example.com"}, "https://example.com", true},
		{"wildcard allows all", []string{"*"}, "https://any.com", true},
		{"disallowed origin", []string{"https://example.com"}, "https://evil.com", false},
		{"no origin", []string{"*"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tt.allowedOrigins))
			router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.expectHeader {
				assert.Equal(t, tt.requestOrigin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.POST("/escrows", func(c *gin.Context) { c.Status(http.StatusCreated) })
	router.OPTIONS("/escrows", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/escrows", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}
