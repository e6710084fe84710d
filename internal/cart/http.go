package cart

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/catalog"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// HTTPHandler 购物车 HTTP 适配层。
// 用户 ID 一律取自 JWT（ctx 里的 AuthInfo），不信任请求体。
type HTTPHandler struct {
	resolver *Resolver
	log      logger.Logger
}

func NewHTTPHandler(resolver *Resolver, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{resolver: resolver, log: log}
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/", h.Get)
	r.Post("/items/{itemID}", h.Add)
	r.Delete("/items/{itemID}", h.Remove)
	r.Delete("/", h.Clear)
}

type cartResponse struct {
	Success bool             `json:"success"`
	Data    map[string]int64 `json:"data"`
}

func (h *HTTPHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ai, ok := server.AuthFromContext(r.Context())
	if ok && strings.TrimSpace(ai.Subject) != "" {
		return ai.Subject, true
	}
	// 鉴权关闭（本地联调）时退回 query 参数
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return id, true
	}
	server.RenderError(w, r, http.StatusUnauthorized, "missing user identity")
	return "", false
}

// Get GET /api/cart
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.userID(w, r)
	if !ok {
		return
	}
	contents, err := h.resolver.Contents(r.Context(), uid)
	if err != nil {
		h.renderErr(w, r, err, "failed to load cart")
		return
	}
	render.JSON(w, r, cartResponse{Success: true, Data: contents})
}

// Add POST /api/cart/items/{itemID}
func (h *HTTPHandler) Add(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.userID(w, r)
	if !ok {
		return
	}
	contents, err := h.resolver.Add(r.Context(), uid, chi.URLParam(r, "itemID"))
	if err != nil {
		h.renderErr(w, r, err, "failed to add to cart")
		return
	}
	render.JSON(w, r, cartResponse{Success: true, Data: contents})
}

// Remove DELETE /api/cart/items/{itemID}
func (h *HTTPHandler) Remove(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.userID(w, r)
	if !ok {
		return
	}
	contents, err := h.resolver.Remove(r.Context(), uid, chi.URLParam(r, "itemID"))
	if err != nil {
		h.renderErr(w, r, err, "failed to remove from cart")
		return
	}
	render.JSON(w, r, cartResponse{Success: true, Data: contents})
}

// Clear DELETE /api/cart
func (h *HTTPHandler) Clear(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.resolver.Clear(r.Context(), uid); err != nil {
		h.renderErr(w, r, err, "failed to clear cart")
		return
	}
	render.JSON(w, r, cartResponse{Success: true, Data: map[string]int64{}})
}

func (h *HTTPHandler) renderErr(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		server.RenderError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, catalog.ErrNotFound):
		server.RenderError(w, r, http.StatusNotFound, "item not available")
	case errors.Is(err, ErrBadItemID):
		server.RenderError(w, r, http.StatusBadRequest, "invalid item id")
	default:
		if h.log != nil {
			h.log.Errorf("%s: %v", fallback, err)
		}
		server.RenderError(w, r, http.StatusInternalServerError, fallback)
	}
}
