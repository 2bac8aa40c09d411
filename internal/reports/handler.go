package reports

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"sparlo-backend/internal/shared/server/middleware"
	"sparlo-backend/internal/shared/server/respond"
	"sparlo-backend/internal/usage"
)

const maxUploadBytes = 10 << 20 // per attachment

// Handler wires HTTP handlers to the reports service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches report routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/reports", h.submitReport)
	rg.GET("/reports", h.listReports)
	rg.GET("/reports/:id", h.getReport)
	rg.POST("/reports/:id/clarification", h.answerClarification)
}

// RegisterBenchmarkRoutes attaches the benchmark surface: create and poll
// only. Benchmark harnesses treat any create status other than 200 as a
// failure, so create answers 200 here instead of the 202 queue convention.
func (h *Handler) RegisterBenchmarkRoutes(rg *gin.RouterGroup) {
	rg.POST("/reports", func(c *gin.Context) { h.submit(c, http.StatusOK) })
	rg.GET("/reports/:id", h.getReport)
}

type submitAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type submitRequest struct {
	DesignChallenge string             `json:"designChallenge"`
	Attachments     []submitAttachment `json:"attachments"`
}

func (h *Handler) submitReport(c *gin.Context) {
	h.submit(c, http.StatusAccepted)
}

func (h *Handler) submit(c *gin.Context, status int) {
	accountID := middleware.AccountIDFromContext(c)

	designChallenge, uploads, ok := h.parseSubmission(c)
	if !ok {
		return
	}
	if strings.TrimSpace(designChallenge) == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "design challenge is required", []map[string]string{
			{"field": "design_challenge", "issue": "required"},
		})
		return
	}
	if len(uploads) > maxAttachments {
		respond.Error(c, http.StatusBadRequest, "validation_error", "too many attachments", []map[string]string{
			{"field": "attachments", "issue": "too_many"},
		})
		return
	}

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	report, err := h.Svc.Submit(ctx, accountID, designChallenge, uploads)
	if err != nil {
		switch {
		case errors.Is(err, usage.ErrInsufficientTokens):
			respond.Error(c, http.StatusTooManyRequests, "insufficient_tokens",
				"Your token budget for this period cannot cover another analysis.", []map[string]string{
					{"field": "usage", "issue": "insufficient_tokens"},
				})
		case errors.Is(err, usage.ErrReportsInFlight):
			respond.Error(c, http.StatusTooManyRequests, "reports_in_flight",
				"Other analyses are holding the remaining budget. Retry once they finish.", []map[string]string{
					{"field": "usage", "issue": "reports_in_flight"},
				})
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to submit report", nil)
		}
		return
	}

	respond.JSON(c, status, gin.H{
		"reportId": report.ID,
		"status":   report.Status,
	})
}

// parseSubmission reads the JSON body; attachments arrive base64-encoded.
func (h *Handler) parseSubmission(c *gin.Context) (string, []Upload, bool) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return "", nil, false
	}

	uploads := make([]Upload, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "attachment data must be base64", []map[string]string{
				{"field": "attachments", "issue": "invalid_encoding"},
			})
			return "", nil, false
		}
		if len(data) > maxUploadBytes {
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "attachment exceeds the 10MB limit", []map[string]string{
				{"field": "attachments", "issue": "too_large"},
			})
			return "", nil, false
		}
		uploads = append(uploads, Upload{
			Name:     att.Name,
			MimeType: att.MimeType,
			Data:     data,
		})
	}
	return req.DesignChallenge, uploads, true
}

func (h *Handler) getReport(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)
	reportID := c.Param("id")
	if reportID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "report id is required", nil)
		return
	}

	report, checkpoints, err := h.Svc.Progress(c.Request.Context(), accountID, reportID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "report not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch report", nil)
		}
		return
	}

	respond.OK(c, reportView(report, checkpoints))
}

func (h *Handler) listReports(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	items, err := h.Svc.List(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list reports", nil)
		return
	}

	resp := make([]gin.H, 0, len(items))
	for _, r := range items {
		entry := gin.H{
			"id":        r.ID,
			"status":    r.Status,
			"title":     r.Title,
			"createdAt": r.CreatedAt,
			"updatedAt": r.UpdatedAt,
		}
		if r.CurrentStep != nil {
			entry["currentStep"] = *r.CurrentStep
		}
		resp = append(resp, entry)
	}

	respond.OK(c, gin.H{"reports": resp})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *Handler) answerClarification(c *gin.Context) {
	accountID := middleware.AccountIDFromContext(c)
	reportID := c.Param("id")
	if reportID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "report id is required", nil)
		return
	}

	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	report, err := h.Svc.AnswerClarification(ctx, accountID, reportID, req.Answer)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyAnswer):
			respond.Error(c, http.StatusBadRequest, "validation_error", "answer is required", []map[string]string{
				{"field": "answer", "issue": "required"},
			})
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "report not found", nil)
		case errors.Is(err, ErrInvalidState):
			respond.Error(c, http.StatusConflict, "invalid_state", "report is not awaiting clarification", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to answer clarification", nil)
		}
		return
	}

	respond.OK(c, gin.H{
		"reportId": report.ID,
		"status":   report.Status,
	})
}

// reportView shapes the full read-API response. Optional sections appear only
// in the states where they mean something.
func reportView(report Report, checkpoints map[string]StepCheckpoint) gin.H {
	phases := PhaseProgress(report, checkpoints)

	// Optional fields are present-with-null so polling clients never need
	// to distinguish a missing key from an empty one.
	view := gin.H{
		"id":                     report.ID,
		"status":                 report.Status,
		"title":                  report.Title,
		"designChallenge":        report.DesignChallenge,
		"attachments":            report.Attachments,
		"progress":               phases,
		"phaseProgress":          phasePercent(phases),
		"currentStep":            report.CurrentStep,
		"clarification":          nil,
		"clarificationExpiresAt": nil,
		"clarifications":         report.Clarifications,
		"reportData":             nil,
		"errorMessage":           nil,
		"createdAt":              report.CreatedAt,
		"updatedAt":              report.UpdatedAt,
	}
	if report.Status == StatusClarifying {
		if idx, ok := report.LastUnanswered(); ok {
			view["clarification"] = report.Clarifications[idx]
			view["clarificationExpiresAt"] = report.ClarificationExpiresAt
		}
	}
	if report.Status == StatusComplete {
		view["reportData"] = report.ReportData
	}
	if report.Status == StatusError || report.Status == StatusExpired {
		view["errorMessage"] = report.ErrorMessage
	}
	return view
}

// phasePercent flattens the phase view into the percentage the polling
// clients display.
func phasePercent(phases []Phase) int {
	if len(phases) == 0 {
		return 0
	}
	done := 0
	for _, p := range phases {
		if p.Status == "complete" {
			done++
		}
	}
	return done * 100 / len(phases)
}
