package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/common/config"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/middleware"
)

var (
	// ErrGateway 网关明确拒绝（HTTP 错误码 / 业务错误）：外呼没有成功发起。
	ErrGateway = errors.New("mpesa: gateway request rejected")
	// ErrOutcomeUnknown 超时等"结果未知"失败：推送可能已发出，也可能没有。
	// 调用方不得自动重试外呼，订单保持 pending 等回调或人工处理。
	ErrOutcomeUnknown = errors.New("mpesa: dispatch outcome unknown")
	// ErrBadPhone 手机号无法归一化成 254 格式。
	ErrBadPhone = errors.New("mpesa: invalid phone number")
)

// NormalizePhone 把肯尼亚手机号归一化为 Daraja 要求的 2547XXXXXXXX / 2541XXXXXXXX 格式。
// 接受 07XX.../01XX...、+254...、254...、7XX.../1XX... 几种写法，其余拒绝。
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	p := digits.String()

	switch {
	case len(p) == 10 && p[0] == '0':
		p = "254" + p[1:]
	case len(p) == 9 && (p[0] == '7' || p[0] == '1'):
		p = "254" + p
	}

	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return "", fmt.Errorf("%w: %q", ErrBadPhone, raw)
	}
	return p, nil
}

// Client Daraja STK push 客户端。
// OAuth token 带缓存；外呼有界超时由配置控制，并被熔断器包裹。
type Client struct {
	cfg     config.MpesaConfig
	httpc   *http.Client
	breaker *middleware.CircuitBreaker
	log     logger.Logger
	now     func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg config.MpesaConfig, log logger.Logger) *Client {
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout()},
		breaker: middleware.NewCircuitBreaker("mpesa", 5, 30*time.Second),
		log:     log,
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// AccessToken 获取 OAuth token，带缓存（过期前 30 秒提前刷新）。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		tok := c.accessToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: oauth status %d: %s", ErrGateway, resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: bad oauth response: %v", ErrGateway, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrGateway)
	}

	ttl := 3600
	if n, err := strconv.Atoi(tr.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}

	c.mu.Lock()
	c.accessToken = tr.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - 30*time.Second)
	c.mu.Unlock()
	return tr.AccessToken, nil
}

// DispatchInput STK push 入参。
type DispatchInput struct {
	OrderNumber string // 作为 AccountReference 随推送带出，回调时用于对账
	Amount      int64  // 整数 KES
	Phone       string // 已归一化的 254 格式手机号
}

// DispatchResult 网关同步应答。
type DispatchResult struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Dispatch 发起一次 STK push。每个订单只发起一次；
// 返回 ErrOutcomeUnknown 时不允许自动重发（推送可能已到达用户手机）。
func (c *Client) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	if c == nil {
		return nil, fmt.Errorf("mpesa client is nil")
	}
	if in.OrderNumber == "" || in.Amount <= 0 || in.Phone == "" {
		return nil, fmt.Errorf("%w: incomplete dispatch input", ErrGateway)
	}

	var result *DispatchResult
	err := c.breaker.Call(ctx, func() error {
		r, err := c.dispatch(ctx, in)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, middleware.ErrCircuitOpen) {
			// 熔断直接拒绝：外呼未发出，结果是确定的失败
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))

	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.OrderNumber,
		TransactionDesc:   "Jikoni Express order " + in.OrderNumber,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrOutcomeUnknown, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Warnf("mpesa stk push rejected order=%s status=%d body=%s", in.OrderNumber, resp.StatusCode, string(raw))
		}
		return nil, fmt.Errorf("%w: stk push status %d", ErrGateway, resp.StatusCode)
	}

	var result DispatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: bad stk push response: %v", ErrGateway, err)
	}
	if result.ResponseCode != "" && result.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: response code %s (%s)", ErrGateway, result.ResponseCode, result.ResponseDesc)
	}

	if c.log != nil {
		c.log.Infof("mpesa stk push accepted order=%s checkout_request_id=%s", in.OrderNumber, result.CheckoutRequestID)
	}
	return &result, nil
}

// classifyTransportErr 区分"确定失败"与"结果未知"：
// 超时（含 ctx 截止）后推送可能已发出，必须按未知处理。
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	return fmt.Errorf("%w: %v", ErrGateway, err)
}
