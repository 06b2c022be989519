package seckill

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// These exercise only the request-validation paths that return before
// touching Service/the KeyValue store, mirroring internal/order's
// http_test.go approach.

func TestHandleBuyRejectsMissingUserID(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodPost, "/seckill/buy", strings.NewReader(`{"productId":"p1"}`))
	w := httptest.NewRecorder()
	h.handleBuy(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleBuyRejectsMissingProductID(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodPost, "/seckill/buy", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	h.handleBuy(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBuyRejectsWrongMethod(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/seckill/buy", nil)
	w := httptest.NewRecorder()
	h.handleBuy(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleStatusRejectsMissingProductID(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/seckill/status/", nil)
	w := httptest.NewRecorder()
	h.handleStatus(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAdminInitRejectsWrongAdminKey(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodPost, "/admin/seckill/init", strings.NewReader(`{}`))
	req.Header.Set("X-Admin-Key", "wrong")
	w := httptest.NewRecorder()
	h.handleAdminInit(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAdminReleaseRejectsMissingFields(t *testing.T) {
	h := NewHTTPHandler(nil, nil, "admin-secret")
	req := httptest.NewRequest(http.MethodPost, "/admin/seckill/release", strings.NewReader(`{}`))
	req.Header.Set("X-Admin-Key", "admin-secret")
	w := httptest.NewRecorder()
	h.handleAdminRelease(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
