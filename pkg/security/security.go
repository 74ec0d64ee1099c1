// Package security hardens the public HTTP surface with CORS, browser
// security headers, request body caps, and a per-request deadline.
package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Config holds the hardening applied in front of every route.
type Config struct {
	// CORS policy for browser clients
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	CORSMaxAge       time.Duration

	// Browser security headers
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	ContentSecurityPolicy string
	ReferrerPolicy        string
	FrameOptions          string

	// Request limits
	MaxBodyBytes   int64
	HandlerTimeout time.Duration
}

// DefaultConfig returns settings suitable for a browser dashboard calling
// the API from a separate origin.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"https://*.medregagent.dev",
		},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Origin", "Content-Type", "Accept",
			"X-Requested-With", "X-Request-ID", "X-Correlation-ID",
		},
		ExposedHeaders: []string{
			"X-Request-ID", "X-Correlation-ID", "X-Served-From", "Age", "Retry-After",
		},
		AllowCredentials: false,
		CORSMaxAge:       12 * time.Hour,

		HSTSMaxAge:            31536000, // 1 year
		HSTSIncludeSubdomains: true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FrameOptions:          "DENY",

		MaxBodyBytes:   1 << 20, // 1MB
		HandlerTimeout: 60 * time.Second,
	}
}

// Middleware returns the full hardening chain in the order it should be
// installed on the router.
func Middleware(cfg Config) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		CORSMiddleware(cfg),
		HeadersMiddleware(cfg),
		RequestSizeMiddleware(cfg.MaxBodyBytes),
		RequestTimeoutMiddleware(cfg.HandlerTimeout),
	}
}

// CORSMiddleware builds the CORS policy from the configured origins.
// Wildcard patterns such as https://*.medregagent.dev switch the policy to
// a matching function because the static origin list cannot express them.
func CORSMiddleware(cfg Config) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	}

	if containsWildcard(cfg.AllowedOrigins) {
		patterns := cfg.AllowedOrigins
		corsConfig.AllowOrigins = nil
		corsConfig.AllowOriginFunc = func(origin string) bool {
			return originAllowed(origin, patterns)
		}
	}

	return cors.New(corsConfig)
}

// HeadersMiddleware sets browser security headers on every response.
func HeadersMiddleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.ContentSecurityPolicy != "" {
			c.Header("Content-Security-Policy", cfg.ContentSecurityPolicy)
		}
		if cfg.HSTSMaxAge > 0 {
			c.Header("Strict-Transport-Security", buildHSTS(cfg.HSTSMaxAge, cfg.HSTSIncludeSubdomains))
		}
		if cfg.ReferrerPolicy != "" {
			c.Header("Referrer-Policy", cfg.ReferrerPolicy)
		}
		if cfg.FrameOptions != "" {
			c.Header("X-Frame-Options", cfg.FrameOptions)
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Server", "medregagent")
		c.Next()
	}
}

// RequestSizeMiddleware rejects bodies that announce a length over the cap
// and bounds reads for bodies that do not announce one.
func RequestSizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "Request body too large",
				"max_bytes": maxBytes,
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestTimeoutMiddleware bounds how long a handler may run. The request
// context is replaced so downstream calls observe the deadline.
func RequestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.Next()
		}()

		select {
		case <-done:
		case <-ctx.Done():
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "Request timed out",
				"timeout": timeout.String(),
			})
			c.Abort()
		}
	}
}

func buildHSTS(maxAge int, includeSubdomains bool) string {
	hsts := fmt.Sprintf("max-age=%d", maxAge)
	if includeSubdomains {
		hsts += "; includeSubDomains"
	}
	return hsts
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

func originAllowed(origin string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchOrigin(origin, pattern) {
			return true
		}
	}
	return false
}

// matchOrigin reports whether an origin matches a pattern. Patterns of the
// form https://*.example.com match the apex domain and any subdomain.
func matchOrigin(origin, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	if rest, ok := strings.CutPrefix(pattern, "https://*."); ok {
		return strings.HasSuffix(origin, "."+rest) || origin == "https://"+rest
	}

	if rest, ok := strings.CutPrefix(pattern, "http://*."); ok {
		return strings.HasSuffix(origin, "."+rest) || origin == "http://"+rest
	}

	return false
}
