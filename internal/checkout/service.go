package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/cart"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/delivery"
	"github.com/JikoniExpress/JikoniExpress/internal/mpesa"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
	"github.com/JikoniExpress/JikoniExpress/internal/user"
)

// 同一购物车指纹的重复下单拦截窗口
const duplicateWindow = 5 * time.Minute

var (
	// ErrUnsupportedLocation 配送地址不在服务范围内，不落单。
	ErrUnsupportedLocation = errors.New("checkout: delivery location not supported")
	// ErrDuplicateCheckout 短时间窗内同一购物车已有在途网关订单。
	ErrDuplicateCheckout = errors.New("checkout: duplicate order in flight")
	ErrUserNotFound      = errors.New("checkout: user not found")
)

// UserDirectory 下单需要的用户信息。
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
}

// SnapshotResolver 购物车解析。
type SnapshotResolver interface {
	Resolve(ctx context.Context, userID string) (*cart.Snapshot, error)
}

// FeeQuoter 配送费报价。
type FeeQuoter interface {
	Quote(ctx context.Context, in delivery.LocationInput) (delivery.Quote, error)
}

// Ledger 订单台账能力（checkout 视角的最小集合）。
type Ledger interface {
	CreateOrder(ctx context.Context, in order.CreateOrderInput, now time.Time) (*order.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*order.Order, error)
	FindOpenGatewayOrder(ctx context.Context, userID, fingerprint string, since time.Time) (*order.Order, error)
}

// Dispatcher 支付网关外呼。
type Dispatcher interface {
	Dispatch(ctx context.Context, in mpesa.DispatchInput) (*mpesa.DispatchResult, error)
}

// Service 结算编排：用户 -> 购物车快照 -> 配送费 -> 落单 -> 网关外呼。
type Service struct {
	users      UserDirectory
	carts      SnapshotResolver
	quoter     FeeQuoter
	ledger     Ledger
	dispatcher Dispatcher
	log        logger.Logger
	now        func() time.Time
}

func NewService(users UserDirectory, carts SnapshotResolver, quoter FeeQuoter, ledger Ledger, dispatcher Dispatcher, log logger.Logger) *Service {
	return &Service{
		users:      users,
		carts:      carts,
		quoter:     quoter,
		ledger:     ledger,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// PlaceOrderInput 结算入参。
type PlaceOrderInput struct {
	UserID        string
	PaymentMethod order.PaymentMethod
	Phone         string // 可选；空则用账户手机号
	Notes         string

	Street  string
	City    string
	County  string
	Country string
}

// Result 结算结果。订单一旦落库就会随结果返回，
// 即使后续网关外呼失败（DispatchFailed 说明原因，订单保持 pending）。
type Result struct {
	Order           *order.Order   `json:"order"`
	Quote           delivery.Quote `json:"quote"`
	CustomerMessage string         `json:"customerMessage,omitempty"`
	// DispatchFailed 非空表示 STK push 未确认送达；不会自动重发
	DispatchFailed string `json:"dispatchFailed,omitempty"`
}

// PlaceOrder 完整结算流程。
// 关键顺序约束：订单先落库，网关外呼后发起；外呼失败不回滚订单。
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*Result, error) {
	if s == nil || s.users == nil || s.carts == nil || s.quoter == nil || s.ledger == nil {
		return nil, fmt.Errorf("checkout service not initialized")
	}
	now := s.now()

	u, err := s.users.FindByID(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		phone = u.Phone
	}
	// 网关支付必须有可归一化的手机号，落单前先校验
	if in.PaymentMethod == order.MethodMpesa {
		normalized, err := mpesa.NormalizePhone(phone)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", order.ErrValidation, err)
		}
		phone = normalized
	}

	snap, err := s.carts.Resolve(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	quote, err := s.quoter.Quote(ctx, delivery.LocationInput{
		Country: in.Country,
		County:  in.County,
		City:    in.City,
	})
	if err != nil {
		if errors.Is(err, delivery.ErrValidation) {
			return nil, fmt.Errorf("%w: %v", order.ErrValidation, err)
		}
		return nil, err
	}
	if !quote.Supported || quote.Fee == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, quote.Message)
	}

	// 重复下单拦截：窗口内同一购物车已有等待回调的网关订单时拒绝再下
	if in.PaymentMethod == order.MethodMpesa {
		existing, err := s.ledger.FindOpenGatewayOrder(ctx, in.UserID, snap.Fingerprint, now.Add(-duplicateWindow))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &Result{Order: existing, Quote: quote},
				fmt.Errorf("%w: order %s is awaiting payment", ErrDuplicateCheckout, existing.OrderNumber)
		}
	}

	o, err := s.ledger.CreateOrder(ctx, order.CreateOrderInput{
		UserID:        in.UserID,
		Name:          u.Name,
		Email:         u.Email,
		Phone:         phone,
		Items:         snap.Items,
		DeliveryFee:   *quote.Fee,
		PaymentMethod: in.PaymentMethod,
		DeliveryAddress: order.Address{
			Street: strings.TrimSpace(in.Street),
			City:   strings.TrimSpace(in.City),
			County: strings.TrimSpace(in.County),
		},
		Notes:           in.Notes,
		CartFingerprint: snap.Fingerprint,
	}, now)
	if err != nil {
		return nil, err
	}

	result := &Result{Order: o, Quote: quote}
	if in.PaymentMethod != order.MethodMpesa {
		return result, nil
	}

	s.dispatchInto(ctx, o, phone, result)
	return result, nil
}

// Redispatch 人工触发的重新推送（订单必须仍在等待网关确认）。
// 已对账过（引用已写入）或非 pending 的订单直接拒绝。
func (s *Service) Redispatch(ctx context.Context, orderNumber string) (*Result, error) {
	if s == nil || s.ledger == nil {
		return nil, fmt.Errorf("checkout service not initialized")
	}
	o, err := s.ledger.GetByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.PaymentMethod != order.MethodMpesa || o.Status != order.StatusPending || o.MpesaReference != "" {
		return nil, fmt.Errorf("%w: order %s is not awaiting gateway payment", order.ErrConflict, orderNumber)
	}

	result := &Result{Order: o}
	s.dispatchInto(ctx, o, o.Phone, result)
	return result, nil
}

// dispatchInto 发起 STK push 并把结果写进 result。
// 外呼失败只记录，订单保持 pending：超时属于"结果未知"，严禁自动重发。
func (s *Service) dispatchInto(ctx context.Context, o *order.Order, phone string, result *Result) {
	if s.dispatcher == nil {
		result.DispatchFailed = "payment gateway not configured"
		return
	}

	dr, err := s.dispatcher.Dispatch(ctx, mpesa.DispatchInput{
		OrderNumber: o.OrderNumber,
		Amount:      o.TotalAmount,
		Phone:       phone,
	})
	if err != nil {
		switch {
		case errors.Is(err, mpesa.ErrOutcomeUnknown):
			result.DispatchFailed = "payment request status unknown, please wait before retrying"
		default:
			result.DispatchFailed = "payment request could not be sent"
		}
		if s.log != nil {
			s.log.Errorf("checkout: stk push failed order=%s: %v", o.OrderNumber, err)
		}
		return
	}
	result.CustomerMessage = dr.CustomerMessage
}
