package observability

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Audit logs a security-relevant event tied to an HTTP request.
func Audit(r *http.Request, event, outcome, reason string, attrs ...any) {
	base := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	}
	AuditContext(r.Context(), event, outcome, reason, append(base, attrs...)...)
}

func AuditContext(ctx context.Context, event, outcome, reason string, attrs ...any) {
	base := []any{
		"event_name", event,
		"outcome", outcome,
		"reason", reason,
	}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit.event", base...)
}
