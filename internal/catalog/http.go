package catalog

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// HTTPHandler 菜单（目录）只读 HTTP 适配层。
type HTTPHandler struct {
	repo *Repo
	log  logger.Logger
}

func NewHTTPHandler(repo *Repo, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{repo: repo, log: log}
}

func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{itemID}", h.Get)
}

type menuResponse struct {
	Success bool   `json:"success"`
	Data    []Item `json:"data"`
	Total   int64  `json:"total"`
}

// List GET /api/menu?category=&offset=&limit=
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, total, err := h.repo.List(r.Context(), category, offset, limit)
	if err != nil {
		h.log.Errorf("list menu: %v", err)
		server.RenderError(w, r, http.StatusInternalServerError, "failed to list menu")
		return
	}
	if items == nil {
		items = []Item{}
	}
	render.JSON(w, r, menuResponse{Success: true, Data: items, Total: total})
}

// Get GET /api/menu/{itemID}
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	it, err := h.repo.FindByID(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		if err == ErrNotFound {
			server.RenderError(w, r, http.StatusNotFound, "item not found")
			return
		}
		h.log.Errorf("get menu item: %v", err)
		server.RenderError(w, r, http.StatusInternalServerError, "failed to load item")
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "data": it})
}
