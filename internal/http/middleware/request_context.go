package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/ctxutil"
)

const (
	HeaderWorkspaceID = "X-Workspace-Id"
	DefaultWorkspace  = "default"
)

// AttachWorkspace scopes the request to the workspace named by the upstream
// auth layer. The workspace is echoed back and tagged on the request span.
func AttachWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws := strings.TrimSpace(c.GetHeader(HeaderWorkspaceID))
		if ws == "" {
			ws = DefaultWorkspace
		}
		ctx := c.Request.Context()
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrWorkspace.String(ws))
		c.Request = c.Request.WithContext(ctxutil.WithWorkspace(ctx, ws))
		c.Set("workspace_id", ws)
		c.Header(HeaderWorkspaceID, ws)
		c.Next()
	}
}
