package order

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ordersys/fabric/internal/apperr"
	"github.com/ordersys/fabric/internal/platform/metrics"
)

// HTTPHandler exposes the two orders endpoints: POST /orders and
// GET /orders/:id.
type HTTPHandler struct {
	svc *Service
	m   *metrics.HTTPMetrics
}

func NewHTTPHandler(svc *Service, m *metrics.HTTPMetrics) *HTTPHandler {
	return &HTTPHandler{svc: svc, m: m}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/orders", h.instrument("/orders", h.handleOrders))
	mux.HandleFunc("/orders/", h.instrument("/orders/:id", h.handleOrderByID))
}

func (h *HTTPHandler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if h.m != nil {
			h.m.RecordHTTPRequest(r.Method, path, http.StatusText(sw.status), time.Since(start))
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		IDs        []string `json:"ids"`
		Quantities []int32  `json:"quantities"`
		Items      []struct {
			ProductID string `json:"productId"`
			Quantity  int32  `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}

	var items []RequestLine
	switch {
	case len(body.Items) > 0:
		for _, it := range body.Items {
			items = append(items, RequestLine{ProductID: it.ProductID, Quantity: it.Quantity})
		}
	case len(body.IDs) > 0:
		if len(body.IDs) != len(body.Quantities) {
			writeError(w, http.StatusBadRequest, "ids and quantities must be the same length")
			return
		}
		for i, id := range body.IDs {
			items = append(items, RequestLine{ProductID: id, Quantity: body.Quantities[i]})
		}
	default:
		writeError(w, http.StatusBadRequest, "no order items supplied")
		return
	}

	o, err := h.svc.CreateOrder(r.Context(), userID, items)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeAppErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"orderId":    o.OrderID,
		"status":     o.Status,
		"totalPrice": o.TotalPrice,
	})
}

func (h *HTTPHandler) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	orderID := strings.TrimPrefix(r.URL.Path, "/orders/")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	o, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// writeAppErr handles GetOrder's error surface, where the only expected
// apperr kind is Validation ("order not found").
func writeAppErr(w http.ResponseWriter, err error) {
	if apperr.Is(err, apperr.KindValidation) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
