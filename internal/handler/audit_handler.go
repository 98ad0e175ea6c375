package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dormauth/internal/audit"
	"dormauth/internal/util"
)

var errInvalidLimit = errors.New("invalid limit")

// AuditHandler serves the admin audit-search surface backed by the
// search index.
type AuditHandler struct {
	sink   *audit.Sink
	logger *zap.Logger
}

func NewAuditHandler(sink *audit.Sink, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		sink:   sink,
		logger: logger,
	}
}

// Search queries audit events by event name, identity, address and time
// range
// @Summary Search audit events
// @Tags audit
// @Produce json
// @Param event query string false "Event name"
// @Param identity_id query string false "Identity ID"
// @Param ip query string false "Client IP"
// @Param from query string false "RFC3339 lower bound"
// @Param to query string false "RFC3339 upper bound"
// @Param limit query int false "Page size (default: 50, max: 500)"
// @Success 200 {object} Response
// @Failure 403 {object} Response
// @Router /audit/search [get]
func (h *AuditHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			h.respondWithJSON(w, http.StatusBadRequest,
				errorResponse(errInvalidLimit, "Limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	var must []interface{}
	for param, field := range map[string]string{
		"event":       "event",
		"identity_id": "identity_id",
		"ip":          "ip",
	} {
		if value := q.Get(param); value != "" {
			must = append(must, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}

	timeRange := map[string]interface{}{}
	if from := q.Get("from"); from != "" {
		if _, err := time.Parse(time.RFC3339, from); err != nil {
			h.respondWithJSON(w, http.StatusBadRequest,
				errorResponse(err, "from must be RFC3339"))
			return
		}
		timeRange["gte"] = from
	}
	if to := q.Get("to"); to != "" {
		if _, err := time.Parse(time.RFC3339, to); err != nil {
			h.respondWithJSON(w, http.StatusBadRequest,
				errorResponse(err, "to must be RFC3339"))
			return
		}
		timeRange["lte"] = to
	}
	if len(timeRange) > 0 {
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"occurred_at": timeRange},
		})
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{
			map[string]interface{}{"occurred_at": "desc"},
		},
	}
	if len(must) > 0 {
		query["query"] = map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		}
	} else {
		query["query"] = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	records, err := h.sink.Search(ctx, query)
	if err != nil {
		if errors.Is(err, audit.ErrSearchUnavailable) {
			h.respondWithJSON(w, http.StatusServiceUnavailable,
				errorResponse(err, "Audit search is not available"))
			return
		}
		h.logger.Error("audit search failed", util.ErrorField(err))
		h.respondWithJSON(w, http.StatusInternalServerError,
			errorResponse(err, "Audit search failed"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(records, "Audit events retrieved successfully"))
}

func (h *AuditHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
