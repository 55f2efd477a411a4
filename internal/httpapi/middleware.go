package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	apiKeyHeader    = "X-WebSocket-API-Key"
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// fieldError is one entry of a validation failure's detail list.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// abortError writes the JSON error envelope and stops the handler chain.
func abortError(c *gin.Context, status int, code, message string, details []fieldError) {
	body := gin.H{
		"success":    false,
		"error":      code,
		"message":    message,
		"request_id": c.GetString(requestIDKey),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

// requestID tags every request with a correlation id, honoring one supplied
// by the caller. The id rides on the context, the response header, and every
// error envelope.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog emits one structured line per request and feeds the HTTP
// counters and the response-time ring.
func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		a.collector.ObserveHTTP(latency, status)

		evt := a.logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = a.logger.Error()
		} else if status >= http.StatusBadRequest {
			evt = a.logger.Warn()
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str(requestIDKey, c.GetString(requestIDKey)).
			Msg("HTTP request")
	}
}

// recovery converts handler panics into a 500 envelope carrying the
// correlation id, so operators can find the stack in the logs.
func (a *API) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error().
					Interface("panic_value", r).
					Str("stack_trace", string(debug.Stack())).
					Str("path", c.Request.URL.Path).
					Str(requestIDKey, c.GetString(requestIDKey)).
					Msg("Request handler panic")
				abortError(c, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
			}
		}()
		c.Next()
	}
}

// cors answers preflight and stamps the allowed-origin headers from the
// configured origin list.
func (a *API) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			for _, allowed := range a.cfg.CORSOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					c.Header("Access-Control-Allow-Origin", allowed)
					break
				}
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+apiKeyHeader)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// timeout caps handler time via the request context. Handlers that do I/O
// (upstream verification on the bearer path) observe the deadline.
func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// rateLimit meters one endpoint group per client IP and stamps the limit
// headers on every response, allowed or not.
func (a *API) rateLimit(group string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		ok, remaining, reset := a.limiter.allow(group+":"+c.ClientIP(), limit, now)
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			retry := int(reset.Sub(now).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			abortError(c, http.StatusTooManyRequests, "rate_limited",
				"Too many requests, retry after the window resets", nil)
			return
		}
		c.Next()
	}
}

// authorized gates an endpoint behind the upstream shared secret or a bearer
// credential carrying the given capability. adminKeyOK additionally accepts
// the dedicated admin secret.
func (a *API) authorized(capability string, adminKeyOK bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(apiKeyHeader); key != "" {
			if secretMatch(key, a.cfg.APIKey) || (adminKeyOK && secretMatch(key, a.cfg.AdminKey)) {
				c.Next()
				return
			}
			abortError(c, http.StatusUnauthorized, "unauthorized", "Invalid API key", nil)
			return
		}

		header := c.GetHeader("Authorization")
		credential := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if credential == "" || credential == header {
			abortError(c, http.StatusUnauthorized, "unauthorized", "Missing API key or bearer credential", nil)
			return
		}

		identity, _, err := a.verifier.Verify(c.Request.Context(), credential)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "unauthorized", "Invalid bearer credential", nil)
			return
		}
		if !identity.HasPermission(capability) {
			abortError(c, http.StatusForbidden, "forbidden", "Credential lacks "+capability, nil)
			return
		}
		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

func secretMatch(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
