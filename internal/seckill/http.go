package seckill

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/metrics"
)

// HTTPHandler exposes the flash-sale surface: buy, status, and the
// two admin operations.
type HTTPHandler struct {
	svc      *Service
	m        *metrics.HTTPMetrics
	adminKey string
}

func NewHTTPHandler(svc *Service, m *metrics.HTTPMetrics, adminKey string) *HTTPHandler {
	return &HTTPHandler{svc: svc, m: m, adminKey: adminKey}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/seckill/buy", h.instrument("/seckill/buy", h.handleBuy))
	mux.HandleFunc("/seckill/status/", h.instrument("/seckill/status", h.handleStatus))
	mux.HandleFunc("/admin/seckill/init", h.instrument("/admin/seckill/init", h.handleAdminInit))
	mux.HandleFunc("/admin/seckill/release", h.instrument("/admin/seckill/release", h.handleAdminRelease))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if h.m != nil {
			h.m.RecordHTTPRequest(r.Method, path, httpStatusLabel(sw.status), time.Since(start))
		}
	}
}

func httpStatusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

type buyRequest struct {
	ProductID string `json:"productId"`
}

func (h *HTTPHandler) handleBuy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported")
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required")
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId is required")
		return
	}

	outcome, correlationID, err := h.svc.Buy(r.Context(), req.ProductID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	switch outcome {
	case domain.ReserveWon:
		writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": correlationID})
	case domain.ReserveCampaignNotStarted:
		writeError(w, http.StatusBadRequest, "CAMPAIGN_NOT_STARTED", "campaign is not active")
	case domain.ReserveAlreadyPurchased:
		writeError(w, http.StatusConflict, "ALREADY_PURCHASED", "userId already holds a reservation")
	case domain.ReserveOutOfStock:
		writeError(w, http.StatusConflict, "OUT_OF_STOCK", "no stock remaining")
	case domain.ReserveRateLimitExceeded:
		writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many attempts")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "unrecognised reserve outcome")
	}
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is supported")
		return
	}

	productID := strings.TrimPrefix(r.URL.Path, "/seckill/status/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId is required")
		return
	}

	campaign, err := h.svc.Status(r.Context(), productID)
	if err != nil {
		if errors.Is(err, ErrCampaignNotFound) {
			writeError(w, http.StatusNotFound, "CAMPAIGN_NOT_FOUND", "no campaign for productId")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stockRemaining": campaign.StockRemaining,
		"totalStock":     campaign.TotalStock,
		"price":          campaign.Price,
		"isActive":       campaign.IsActive,
		"startTime":      campaign.StartTime,
		"endTime":        campaign.EndTime,
	})
}

func (h *HTTPHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Admin-Key") != h.adminKey || h.adminKey == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}

type adminInitRequest struct {
	ProductID string  `json:"productId"`
	Stock     int64   `json:"stock"`
	Price     float64 `json:"price"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
}

func (h *HTTPHandler) handleAdminInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported")
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}

	var req adminInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed body")
		return
	}
	if req.ProductID == "" || req.Stock < 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId and non-negative stock are required")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "startTime must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "endTime must be RFC3339")
		return
	}

	if err := h.svc.Init(r.Context(), req.ProductID, req.Stock, req.Price, start, end); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"productId": req.ProductID})
}

type adminReleaseRequest struct {
	ProductID string `json:"productId"`
	UserID    string `json:"userId"`
}

func (h *HTTPHandler) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is supported")
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}

	var req adminReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId and userId are required")
		return
	}

	if err := h.svc.Release(r.Context(), req.ProductID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"productId": req.ProductID, "userId": req.UserID})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
