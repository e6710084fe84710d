package mpesa

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/go-chi/render"
)

// CallbackEnvelope Daraja 异步回调的外层结构。
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback 回调正文：ResultCode == 0 表示用户支付成功。
type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetaItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetaItem 回调元数据条目（Name/Value 对）。
type MetaItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

func (cb StkCallback) metaString(name string) string {
	for _, it := range cb.CallbackMetadata.Item {
		if !strings.EqualFold(it.Name, name) {
			continue
		}
		switch v := it.Value.(type) {
		case string:
			return v
		case float64:
			// 手机号等数字字段网关会以 number 下发
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

// OrderNumber 对账键：推送时放进 AccountReference 的订单号。
func (cb StkCallback) OrderNumber() string {
	return cb.metaString("AccountReference")
}

// Amount 回调里报告的支付金额（整数 KES；缺失返回 0）。
func (cb StkCallback) Amount() int64 {
	for _, it := range cb.CallbackMetadata.Item {
		if strings.EqualFold(it.Name, "Amount") {
			if v, ok := it.Value.(float64); ok {
				return int64(v)
			}
		}
	}
	return 0
}

// Phone 支付方手机号。
func (cb StkCallback) Phone() string {
	return cb.metaString("PhoneNumber")
}

// Receipt M-Pesa 交易凭证号。
func (cb StkCallback) Receipt() string {
	return cb.metaString("MpesaReceiptNumber")
}

// CallbackHandler 回调 HTTP 入口。
// 先应答再处理：无论正文能否解析都回 200 + success，避免网关按失败重投；
// 真正的对账在后台 goroutine 里完成，幂等性由订单台账保证。
type CallbackHandler struct {
	reconciler *Reconciler
	log        logger.Logger
}

func NewCallbackHandler(reconciler *Reconciler, log logger.Logger) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler, log: log}
}

// Handle POST /api/payments/callback
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var env CallbackEnvelope
	if err := render.DecodeJSON(r.Body, &env); err != nil {
		if h.log != nil {
			h.log.Warnf("mpesa callback: undecodable body: %v", err)
		}
		render.JSON(w, r, map[string]any{"success": true})
		return
	}

	render.JSON(w, r, map[string]any{"success": true})

	cb := env.Body.StkCallback
	// 请求 ctx 在应答后失效，后台处理用独立 ctx
	go h.reconciler.Process(context.Background(), cb)
}
