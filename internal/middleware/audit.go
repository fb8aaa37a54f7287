// audit.go provides the Gin wrappers around the audit capture pipeline.
// AuditMiddleware decorates mutating handlers, AuthEventMiddleware decorates
// authentication handlers. Both are total: audit persistence failures never
// alter the wrapped handler's response.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clinistock/audit-engine/internal/audit"
)

// Context keys handlers may set to enrich the captured record.
const (
	// AuditResourceIDKey carries the id of the resource the handler acted on,
	// when it is only known after routing (e.g. a freshly created entity).
	AuditResourceIDKey = "audit_resource_id"
	// AuditBeforeStateKey / AuditAfterStateKey carry optional state snapshots
	// as map[string]interface{}.
	AuditBeforeStateKey = "audit_before_state"
	AuditAfterStateKey  = "audit_after_state"
	// AuditErrorKey carries the business error detail for operations that
	// fail with a 2xx-adjacent status or partial failure.
	AuditErrorKey = "audit_error"
	// AuditUsernameKey carries the attempted username on auth endpoints.
	AuditUsernameKey = "audit_username"
)

// AuditMiddleware records one audit event per request for the given action
// and resource type. The outcome is classified from the response status plus
// any business error the handler stored under AuditErrorKey, so partial
// failures surfaced with a success status are still recorded as failures.
func AuditMiddleware(capture *audit.Capture, action, resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		ev := audit.Event{
			Action:       action,
			ResourceType: resourceType,
			OccurredAt:   start.UTC(),
			Metadata: map[string]interface{}{
				"method":      c.Request.Method,
				"path":        c.Request.URL.Path,
				"status_code": c.Writer.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		}
		if id, ok := c.Get(RequestIDKey); ok {
			ev.Metadata["request_id"] = id
		}

		ev.Success = c.Writer.Status() < 400
		if detail := contextString(c, AuditErrorKey); detail != "" {
			ev.Success = false
			ev.ErrorDetail = &detail
		} else if !ev.Success {
			detail := "request failed"
			if len(c.Errors) > 0 {
				detail = c.Errors.String()
			}
			ev.ErrorDetail = &detail
		}

		if id := contextString(c, AuditResourceIDKey); id != "" {
			ev.ResourceID = &id
		} else if id := c.Param("id"); id != "" {
			ev.ResourceID = &id
		}
		if before, ok := contextMap(c, AuditBeforeStateKey); ok {
			ev.BeforeState = before
		}
		if after, ok := contextMap(c, AuditAfterStateKey); ok {
			ev.AfterState = after
		}

		capture.Record(requestContext(c), ev)
	}
}

// AuthEventMiddleware records an authentication attempt for the given action.
// The attempted username is recorded in metadata regardless of outcome, since
// failed logins are exactly the events worth auditing.
func AuthEventMiddleware(capture *audit.Capture, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		success := c.Writer.Status() < 400
		detail := contextString(c, AuditErrorKey)
		if detail == "" && !success {
			detail = "authentication failed"
		}

		metadata := map[string]interface{}{
			"status_code": c.Writer.Status(),
		}
		if username := contextString(c, AuditUsernameKey); username != "" {
			metadata["attempted_username"] = username
		}

		capture.RecordAuthEvent(requestContext(c), action, success, detail, metadata)
	}
}

// requestContext builds the capture identity from the request.
func requestContext(c *gin.Context) audit.RequestContext {
	rc := audit.RequestContext{TenantID: TenantID(c)}
	if actor := ActorID(c); actor != "" {
		rc.ActorID = &actor
	}
	if ip := c.ClientIP(); ip != "" {
		rc.ClientIP = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		rc.UserAgent = &ua
	}
	return rc
}

func contextString(c *gin.Context, key string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func contextMap(c *gin.Context, key string) (map[string]interface{}, bool) {
	if v, ok := c.Get(key); ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m, true
		}
	}
	return nil, false
}
