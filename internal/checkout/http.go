package checkout

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/cart"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/JikoniExpress/JikoniExpress/internal/delivery"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// HTTPHandler 结算 HTTP 适配层。
type HTTPHandler struct {
	svc *Service
	log logger.Logger
}

func NewHTTPHandler(svc *Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, log: log}
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Post("/", h.PlaceOrder)
	r.Post("/dispatch", h.Redispatch)
}

type placeOrderRequest struct {
	UserID        string `json:"userId,omitempty"` // 鉴权开启时忽略，以 JWT 为准
	PaymentMethod string `json:"paymentMethod"`
	Phone         string `json:"phone,omitempty"`
	Notes         string `json:"notes,omitempty"`

	Street  string `json:"street"`
	City    string `json:"city"`
	County  string `json:"county"`
	Country string `json:"country"`
}

type checkoutResponse struct {
	Success bool    `json:"success"`
	Data    *Result `json:"data"`
}

// PlaceOrder POST /api/checkout
func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		server.RenderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	uid := req.UserID
	if ai, ok := server.AuthFromContext(r.Context()); ok && strings.TrimSpace(ai.Subject) != "" {
		uid = ai.Subject
	}
	if strings.TrimSpace(uid) == "" {
		server.RenderError(w, r, http.StatusUnauthorized, "missing user identity")
		return
	}

	result, err := h.svc.PlaceOrder(r.Context(), PlaceOrderInput{
		UserID:        uid,
		PaymentMethod: order.PaymentMethod(req.PaymentMethod),
		Phone:         req.Phone,
		Notes:         req.Notes,
		Street:        req.Street,
		City:          req.City,
		County:        req.County,
		Country:       req.Country,
	})
	if err != nil {
		h.renderErr(w, r, result, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, checkoutResponse{Success: true, Data: result})
}

type redispatchRequest struct {
	OrderNumber string `json:"orderNumber"`
}

// Redispatch POST /api/checkout/dispatch
func (h *HTTPHandler) Redispatch(w http.ResponseWriter, r *http.Request) {
	var req redispatchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		server.RenderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.OrderNumber) == "" {
		server.RenderError(w, r, http.StatusBadRequest, "orderNumber is required")
		return
	}

	result, err := h.svc.Redispatch(r.Context(), req.OrderNumber)
	if err != nil {
		h.renderErr(w, r, result, err)
		return
	}
	render.JSON(w, r, checkoutResponse{Success: true, Data: result})
}

func (h *HTTPHandler) renderErr(w http.ResponseWriter, r *http.Request, result *Result, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		server.RenderError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, order.ErrNotFound):
		server.RenderError(w, r, http.StatusNotFound, "order not found")
	case errors.Is(err, cart.ErrCartEmpty):
		server.RenderError(w, r, http.StatusBadRequest, "cart is empty")
	case errors.Is(err, cart.ErrNotFound):
		server.RenderError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrUnsupportedLocation):
		server.RenderError(w, r, http.StatusUnprocessableEntity, "Only deliveries within Kenya at the moment")
	case errors.Is(err, ErrDuplicateCheckout):
		// 附带在途订单号，前端可引导用户完成支付
		msg := "an order for this cart is already awaiting payment"
		if result != nil && result.Order != nil {
			msg += ": " + result.Order.OrderNumber
		}
		server.RenderError(w, r, http.StatusConflict, msg)
	case errors.Is(err, order.ErrConflict):
		server.RenderError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrValidation), errors.Is(err, delivery.ErrValidation):
		server.RenderError(w, r, http.StatusBadRequest, err.Error())
	default:
		if h.log != nil {
			h.log.Errorf("checkout failed: %v", err)
		}
		server.RenderError(w, r, http.StatusInternalServerError, "checkout failed")
	}
}
