package order

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// HTTPHandler 订单管理端 HTTP 适配层（列表、详情、状态流转、删除、统计）。
type HTTPHandler struct {
	svc *Service
	log logger.Logger
}

func NewHTTPHandler(svc *Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

// Routes 挂载管理端路由（调用方负责包 RequireRole("admin")）。
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{orderID}", h.Get)
	r.Put("/{orderID}/status", h.UpdateStatus)
	r.Delete("/{orderID}", h.Delete)
}

type listResponse struct {
	Success bool    `json:"success"`
	Data    []Order `json:"data"`
	Total   int64   `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
}

// List GET /api/orders?status=&userId=&offset=&limit=
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	f := ListFilter{
		UserID: strings.TrimSpace(r.URL.Query().Get("userId")),
		Status: Status(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			f.Limit = n
		}
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}

	orders, total, err := h.svc.ListOrders(r.Context(), f)
	if err != nil {
		h.log.Errorf("list orders: %v", err)
		server.RenderError(w, r, http.StatusInternalServerError, "failed to list orders")
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	render.JSON(w, r, listResponse{Success: true, Data: orders, Total: total, Offset: f.Offset, Limit: f.Limit})
}

type orderResponse struct {
	Success bool   `json:"success"`
	Data    *Order `json:"data"`
}

// Get GET /api/orders/{orderID}
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	o, err := h.svc.GetOrder(r.Context(), id)
	if err != nil {
		h.renderOrderErr(w, r, err, "failed to load order")
		return
	}
	render.JSON(w, r, orderResponse{Success: true, Data: o})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus PUT /api/orders/{orderID}/status
// 只接受状态机允许的流转；非法流转 409，并发冲突也 409（让调用方重读后重试）。
func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")

	var req updateStatusRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		server.RenderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	to := Status(strings.TrimSpace(req.Status))
	if to == "" {
		server.RenderError(w, r, http.StatusBadRequest, "status is required")
		return
	}

	o, err := h.svc.UpdateStatus(r.Context(), id, to, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			server.RenderError(w, r, http.StatusNotFound, "order not found")
		case errors.Is(err, ErrInvalidTransition):
			server.RenderError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, ErrConflict):
			server.RenderError(w, r, http.StatusConflict, "order was updated concurrently, please retry")
		case errors.Is(err, ErrValidation):
			server.RenderError(w, r, http.StatusBadRequest, err.Error())
		default:
			h.log.Errorf("update order status id=%s to=%s: %v", id, to, err)
			server.RenderError(w, r, http.StatusInternalServerError, "failed to update order status")
		}
		return
	}
	render.JSON(w, r, orderResponse{Success: true, Data: o})
}

// Delete DELETE /api/orders/{orderID} 管理员硬删除。
func (h *HTTPHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.renderOrderErr(w, r, err, "failed to delete order")
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "message": "order deleted"})
}

type statsResponse struct {
	Success bool   `json:"success"`
	Data    *Stats `json:"data"`
}

// Stats GET /api/orders/stats
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.log.Errorf("order stats: %v", err)
		server.RenderError(w, r, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	render.JSON(w, r, statsResponse{Success: true, Data: st})
}

func (h *HTTPHandler) renderOrderErr(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		server.RenderError(w, r, http.StatusNotFound, "order not found")
	case errors.Is(err, ErrValidation):
		server.RenderError(w, r, http.StatusBadRequest, err.Error())
	default:
		h.log.Errorf("%s: %v", fallback, err)
		server.RenderError(w, r, http.StatusInternalServerError, fallback)
	}
}
