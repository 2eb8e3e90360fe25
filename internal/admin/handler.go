package admin

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/ordefy/ordefy/internal/queue"
	"github.com/ordefy/ordefy/pkg/auth"
	"github.com/ordefy/ordefy/pkg/controller"
	"github.com/ordefy/ordefy/pkg/middleware"
	"github.com/ordefy/ordefy/pkg/middleware/authz"
	"github.com/ordefy/ordefy/pkg/observability/logger"
	"github.com/ordefy/ordefy/pkg/server/router"
)

// BasePath is where the admin routes are mounted below the API base path.
const BasePath = "/admin/webhook-queue"

var errorMapper = controller.Mapper{
	{Kind: queue.ErrNotFound, Status: http.StatusNotFound, Code: "job_not_found"},
	{Kind: queue.ErrConflict, Status: http.StatusConflict, Code: "job_conflict"},
	{Kind: queue.ErrValidation, Status: http.StatusBadRequest, Code: "invalid_request"},
}

// Handler serves the admin routes.
type Handler struct {
	svc *Service
	log logger.Logger
}

// NewHandler creates the HTTP handler for svc.
func NewHandler(svc *Service, log logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Guard returns the middleware every admin route needs: a valid bearer token
// carrying the queue admin scope.
func Guard(validator auth.JWTValidator) []router.MiddlewareFunc {
	return []router.MiddlewareFunc{
		authz.Authenticate(validator),
		authz.RequireScopes(auth.ScopeQueueAdmin),
	}
}

// Mount registers the routes on rt, which should already be scoped to
// BasePath.
func (h *Handler) Mount(rt router.Router, mw ...router.MiddlewareFunc) {
	rt.GET("/stats", h.stats, mw...)
	rt.POST("/cleanup", h.cleanup, mw...)
	rt.GET("/jobs", h.jobs, mw...)
	rt.POST("/jobs/:id/retry", h.retry, mw...)
	rt.GET("/stale", h.stale, mw...)
	rt.POST("/stale/requeue", h.requeueStale, mw...)
}

func (h *Handler) stats(c router.Context) error {
	view, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, "stats", err)
	}
	return controller.OK(c, view)
}

func (h *Handler) cleanup(c router.Context) error {
	ctx := c.Request().Context()
	deleted, err := h.svc.Cleanup(ctx)
	if err != nil {
		return h.fail(c, "cleanup", err)
	}
	h.audit(ctx, "webhook queue cleanup triggered", "deleted", deleted)
	return controller.OK(c, map[string]any{"deleted": deleted})
}

func (h *Handler) jobs(c router.Context) error {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return controller.Error(c, errorMapper, err)
	}
	status := queue.Status(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status == "" {
		status = queue.StatusFailed
	}
	filter := queue.ListFilter{
		Status:   status,
		TenantID: strings.TrimSpace(c.Query("tenant_id")),
		Limit:    limit,
	}
	if topic := c.Query("topic"); topic != "" {
		if filter.Topic, err = queue.NormalizeTopic(topic); err != nil {
			return controller.Error(c, errorMapper, err)
		}
	}
	jobs, err := h.svc.Jobs(c.Request().Context(), filter)
	if err != nil {
		return h.fail(c, "list jobs", err)
	}
	return controller.OK(c, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *Handler) retry(c router.Context) error {
	ctx := c.Request().Context()
	job, err := h.svc.Retry(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, "retry job", err)
	}
	h.audit(ctx, "webhook job retry requested", "job_id", job.ID)
	return controller.OK(c, map[string]any{"job": job})
}

func (h *Handler) stale(c router.Context) error {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return controller.Error(c, errorMapper, err)
	}
	jobs, err := h.svc.Stale(c.Request().Context(), limit)
	if err != nil {
		return h.fail(c, "list stale jobs", err)
	}
	return controller.OK(c, map[string]any{
		"jobs":                jobs,
		"count":               len(jobs),
		"stale_after_seconds": h.svc.StaleAfter().Seconds(),
	})
}

func (h *Handler) requeueStale(c router.Context) error {
	ctx := c.Request().Context()
	jobs, err := h.svc.RequeueStale(ctx)
	if err != nil {
		return h.fail(c, "requeue stale jobs", err)
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	h.audit(ctx, "stale webhook jobs requeued", "count", len(ids))
	return controller.OK(c, map[string]any{"requeued": len(ids), "job_ids": ids})
}

func (h *Handler) fail(c router.Context, action string, err error) error {
	status, _ := errorMapper.MapError(c.Request().Context(), err)
	if status >= http.StatusInternalServerError {
		h.log.WithContext(c.Request().Context()).Error("admin action failed", "action", action, "error", err)
	}
	return controller.Error(c, errorMapper, err)
}

func (h *Handler) audit(ctx context.Context, msg string, args ...any) {
	subject, _ := ctx.Value(middleware.SubjectKey).(string)
	h.log.WithContext(ctx).Info(msg, append([]any{"subject", subject}, args...)...)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, controller.NewBadRequest("invalid_limit", "limit must be a non-negative integer")
	}
	return n, nil
}
