package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/doc-approval/internal/application/service"
	"github.com/garyjia/doc-approval/internal/domain/entity"
	"github.com/garyjia/doc-approval/pkg/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// HealthChecker reports component health for GET /health
type HealthChecker interface {
	HealthCheck() (healthy bool, components interface{})
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	approvals service.ApprovalService
	queries   service.QueryService
	audit     service.AuditService
	health    HealthChecker
	logger    Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	approvals service.ApprovalService,
	queries service.QueryService,
	audit service.AuditService,
	health HealthChecker,
	logger Logger,
) *Handlers {
	return &Handlers{
		approvals: approvals,
		queries:   queries,
		audit:     audit,
		health:    health,
		logger:    logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string      `json:"status"`
	Timestamp  string      `json:"timestamp"`
	Components interface{} `json:"components,omitempty"`
}

// RouteRequest is the body of POST /documents/route
type RouteRequest struct {
	DocumentID   string                 `json:"document_id" binding:"required"`
	DocumentType string                 `json:"document_type" binding:"required"`
	Metadata     map[string]interface{} `json:"metadata"`
	Priority     string                 `json:"priority"`
}

// DecisionRequest is the body of POST /requests/:id/decisions
type DecisionRequest struct {
	Decision    entity.Decision        `json:"decision" binding:"required"`
	Comments    string                 `json:"comments"`
	Annotations map[string]interface{} `json:"annotations"`
}

// EscalateRequest is the body of POST /requests/:id/escalate
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// BulkDecisionRequest is the body of POST /requests/bulk-decisions
type BulkDecisionRequest struct {
	RequestIDs []string        `json:"request_ids" binding:"required,min=1"`
	Decision   entity.Decision `json:"decision" binding:"required"`
	Comments   string          `json:"comments"`
}

// BulkDecisionResponse summarizes a bulk decision
type BulkDecisionResponse struct {
	Results   []service.BulkResult `json:"results"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Skipped   int                  `json:"skipped"`
}

// ListAuditRequest represents query parameters for listing the audit log
type ListAuditRequest struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if h.health != nil {
		healthy, components := h.health.HealthCheck()
		response.Components = components
		if !healthy {
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, Response{
		Success: status == http.StatusOK,
		Data:    response,
	})
}

// RouteDocument handles POST /api/v1/documents/route
func (h *Handlers) RouteDocument(c *gin.Context) {
	var req RouteRequest
	if !h.bind(c, &req) {
		return
	}
	if err := utils.ValidateIdentifier("document_id", req.DocumentID); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	request, err := h.approvals.Route(c.Request.Context(), entity.Document{
		ID:          req.DocumentID,
		Type:        req.DocumentType,
		Metadata:    req.Metadata,
		Priority:    req.Priority,
		SubmittedBy: actorFrom(c),
	})
	if err != nil {
		h.respondError(c, "route", err)
		return
	}

	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    request,
	})
}

// GetRequest handles GET /api/v1/requests/:id
func (h *Handlers) GetRequest(c *gin.Context) {
	request, err := h.approvals.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "get_request", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    request,
	})
}

// GetHistory handles GET /api/v1/requests/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	actions, err := h.queries.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "history", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    actions,
	})
}

// GetRequestAudit handles GET /api/v1/requests/:id/audit
func (h *Handlers) GetRequestAudit(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.approvals.GetRequest(ctx, id); err != nil {
		h.respondError(c, "request_audit", err)
		return
	}
	entries, err := h.audit.ForRequest(ctx, id)
	if err != nil {
		h.respondError(c, "request_audit", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    entries,
	})
}

// SubmitDecision handles POST /api/v1/requests/:id/decisions
func (h *Handlers) SubmitDecision(c *gin.Context) {
	var req DecisionRequest
	if !h.bind(c, &req) {
		return
	}
	if !req.Decision.IsValid() {
		abortWithError(c, http.StatusBadRequest, "invalid_decision", fmt.Sprintf("unknown decision %q", req.Decision))
		return
	}

	request, err := h.approvals.SubmitDecision(c.Request.Context(), service.DecisionInput{
		RequestID:   c.Param("id"),
		Actor:       actorFrom(c),
		Decision:    req.Decision,
		Comments:    utils.SanitizeString(req.Comments),
		Annotations: req.Annotations,
		Context:     submissionContext(c),
	})
	if err != nil {
		h.respondError(c, "submit_decision", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    request,
	})
}

// Escalate handles POST /api/v1/requests/:id/escalate
func (h *Handlers) Escalate(c *gin.Context) {
	var req EscalateRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}

	request, err := h.approvals.Escalate(c.Request.Context(), c.Param("id"), actorFrom(c), utils.SanitizeString(req.Reason))
	if err != nil {
		h.respondError(c, "escalate", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    request,
	})
}

// BulkDecide handles POST /api/v1/requests/bulk-decisions
func (h *Handlers) BulkDecide(c *gin.Context) {
	var req BulkDecisionRequest
	if !h.bind(c, &req) {
		return
	}
	if !req.Decision.IsValid() {
		abortWithError(c, http.StatusBadRequest, "invalid_decision", fmt.Sprintf("unknown decision %q", req.Decision))
		return
	}

	results := h.queries.BulkDecide(c.Request.Context(), service.BulkDecisionInput{
		RequestIDs: req.RequestIDs,
		Actor:      actorFrom(c),
		Decision:   req.Decision,
		Comments:   utils.SanitizeString(req.Comments),
		Context:    submissionContext(c),
	})

	resp := BulkDecisionResponse{Results: results}
	for _, r := range results {
		switch {
		case r.Success:
			resp.Succeeded++
		case r.Duplicate:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}

	c.JSON(http.StatusOK, Response{
		Success: resp.Failed == 0,
		Data:    resp,
	})
}

// Queue handles GET /api/v1/queue
func (h *Handlers) Queue(c *gin.Context) {
	requests, err := h.queries.PendingFor(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, "queue", err)
		return
	}
	if requests == nil {
		requests = []*entity.ApprovalRequest{}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    requests,
	})
}

// ListAudit handles GET /api/v1/audit
func (h *Handlers) ListAudit(c *gin.Context) {
	var req ListAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_input", "invalid query parameters")
		return
	}

	entries, err := h.audit.List(c.Request.Context(), req.Limit, req.Offset)
	if err != nil {
		h.respondError(c, "list_audit", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    entries,
	})
}

// VerifyAudit handles GET /api/v1/audit/verify
func (h *Handlers) VerifyAudit(c *gin.Context) {
	report, err := h.audit.Verify(c.Request.Context())
	if err != nil {
		h.respondError(c, "verify_audit", err)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: report.Valid,
		Data:    report,
	})
}

// ExportAudit handles GET /api/v1/audit/export
func (h *Handlers) ExportAudit(c *gin.Context) {
	var buf bytes.Buffer
	report, err := h.audit.Export(c.Request.Context(), &buf)
	if err != nil {
		h.respondError(c, "export_audit", err)
		return
	}

	filename := fmt.Sprintf("audit-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Audit-Valid", strconv.FormatBool(report.Valid))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ResumeAudit handles POST /api/v1/audit/resume
func (h *Handlers) ResumeAudit(c *gin.Context) {
	report, err := h.audit.ResumeWrites(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, "resume_audit", err)
		return
	}

	h.logger.Info("Audit writes resumed via API", "actor", actorFrom(c))
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    report,
	})
}

// bind decodes the JSON body and answers 400 on failure
func (h *Handlers) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_input", err.Error())
		return false
	}
	return true
}

func submissionContext(c *gin.Context) entity.SubmissionContext {
	return entity.SubmissionContext{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
