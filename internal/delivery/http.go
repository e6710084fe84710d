package delivery

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/go-chi/render"
)

// HTTPHandler 配送费报价 HTTP 适配层。
type HTTPHandler struct {
	estimator *Estimator
	log       logger.Logger
}

func NewHTTPHandler(estimator *Estimator, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{estimator: estimator, log: log}
}

type quoteRequest struct {
	Country string `json:"country"`
	County  string `json:"county"`
	City    string `json:"city"`
	Email   string `json:"email"`
}

type quoteResponse struct {
	Success bool  `json:"success"`
	Data    Quote `json:"data"`
}

// Quote POST /api/delivery/quote
func (h *HTTPHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		server.RenderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	// email 在报价接口也是必填（用于营销触达），但估价本身不使用
	if strings.TrimSpace(req.Email) == "" {
		server.RenderError(w, r, http.StatusBadRequest, "All fields are required")
		return
	}

	quote, err := h.estimator.Quote(r.Context(), LocationInput{
		Country: req.Country,
		County:  req.County,
		City:    req.City,
	})
	if err != nil {
		if errors.Is(err, ErrValidation) {
			server.RenderError(w, r, http.StatusBadRequest, "All fields are required")
			return
		}
		h.log.Errorf("delivery fee calculation error: %v", err)
		server.RenderError(w, r, http.StatusInternalServerError, "Server error while calculating delivery fee")
		return
	}

	render.JSON(w, r, quoteResponse{Success: true, Data: quote})
}
