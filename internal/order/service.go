package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// 订单号唯一键冲突时的最大重试次数
	maxOrderNumberAttempts = 5
	orderNumberAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Store 订单存储接口；*Repo 为 MySQL 实现，测试用内存实现。
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*Order, error)
	TransitionStatus(ctx context.Context, id string, from, to Status, extra map[string]any) (int64, error)
	ConfirmPayment(ctx context.Context, orderNumber, reference string, now time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ListFilter) ([]Order, int64, error)
	FindOpenGatewayOrder(ctx context.Context, userID, fingerprint string, since time.Time) (*Order, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Stats 管理端订单统计。
type Stats struct {
	TotalOrders       int64            `json:"totalOrders"`
	TotalRevenue      int64            `json:"totalRevenue"`
	AverageOrderValue float64          `json:"averageOrderValue"`
	StatusCounts      map[Status]int64 `json:"statusCounts"`
	RecentOrders      []Order          `json:"recentOrders"`
}

// Service 订单台账：订单号生成、初始状态、状态机流转、回调对账。
// 不依赖 HTTP，便于复用和测试。
type Service struct {
	store Store

	// 订单号随机后缀，测试可替换以构造冲突
	suffixFn func() string
}

func NewService(store Store) *Service {
	return &Service{
		store:    store,
		suffixFn: randomSuffix,
	}
}

// randomSuffix 3 位 base36 随机后缀（与历史订单号格式保持一致）。
func randomSuffix() string {
	b := make([]byte, 3)
	for i := range b {
		b[i] = orderNumberAlphabet[rand.Intn(len(orderNumberAlphabet))]
	}
	return string(b)
}

// CreateOrderInput 创建订单的入参（由 checkout 编排层组装）。
type CreateOrderInput struct {
	UserID string
	Name   string
	Email  string
	Phone  string

	Items       []LineItem // 已解析的购物车快照行
	DeliveryFee int64

	PaymentMethod   PaymentMethod
	DeliveryAddress Address
	Notes           string
	CartFingerprint string
}

// CreateOrder 创建并持久化订单。落库成功后调用方才允许发起网关外呼，
// 保证每一次外呼都能追溯到一个已存在的订单。
//
// 初始状态由支付方式决定：
// - 货到付款：orderStatus=confirmed, paymentStatus=pending
// - M-Pesa：  orderStatus=pending,   paymentStatus=pending（等回调确认）
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput, now time.Time) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: no line items", ErrValidation)
	}
	if !ValidMethod(in.PaymentMethod) {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, in.PaymentMethod)
	}
	if in.DeliveryFee < 0 {
		return nil, fmt.Errorf("%w: negative delivery fee", ErrValidation)
	}

	// 小计由快照行重新累加，保证 total = items + fee 恒成立
	var itemsSubtotal int64
	items := make([]LineItem, len(in.Items))
	for i, it := range in.Items {
		if it.Quantity <= 0 || it.Subtotal != it.Quantity*it.UnitPrice {
			return nil, fmt.Errorf("%w: bad line item %q", ErrValidation, it.ItemID)
		}
		it.Position = i
		items[i] = it
		itemsSubtotal += it.Subtotal
	}

	o := &Order{
		ID:              uuid.NewString(),
		UserID:          strings.TrimSpace(in.UserID),
		Name:            strings.TrimSpace(in.Name),
		Email:           strings.TrimSpace(in.Email),
		Phone:           strings.TrimSpace(in.Phone),
		Items:           items,
		Amount:          itemsSubtotal,
		DeliveryFee:     in.DeliveryFee,
		TotalAmount:     itemsSubtotal + in.DeliveryFee,
		Currency:        "KES",
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   PaymentPending,
		Status:          StatusPending,
		CartFingerprint: in.CartFingerprint,
		DeliveryAddress: in.DeliveryAddress,
		Notes:           strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.PaymentMethod == MethodPayAfterDelivery {
		o.Status = StatusConfirmed
		t := now
		o.ConfirmedAt = &t
	}

	// 订单号冲突时换后缀重试，不加锁
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		o.OrderNumber = fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), s.suffixFn())
		err := s.store.Create(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrDuplicateOrderNumber) {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil, fmt.Errorf("%w: order number collision after %d attempts", ErrPersistence, maxOrderNumberAttempts)
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id required", ErrValidation)
	}
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByOrderNumber(ctx context.Context, orderNumber string) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return nil, fmt.Errorf("%w: order number required", ErrValidation)
	}
	return s.store.GetByOrderNumber(ctx, orderNumber)
}

// UpdateStatus 根据状态机规则进行状态流转（管理端与回调都走这里）。
// 更新带乐观并发前置条件：落库状态必须仍等于刚读到的状态，
// 否则返回 ErrConflict，由调用方决定是否重读重试。
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to Status, now time.Time) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id required", ErrValidation)
	}
	if to == "" {
		return nil, fmt.Errorf("%w: target status required", ErrValidation)
	}

	o, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	extra := map[string]any{"updated_at": now}
	switch to {
	case StatusConfirmed:
		extra["confirmed_at"] = now
	case StatusDelivered:
		extra["delivered_at"] = now
	case StatusCancelled:
		extra["cancelled_at"] = now
	}

	rows, err := s.store.TransitionStatus(ctx, orderID, o.Status, to, extra)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: order %s changed concurrently", ErrConflict, orderID)
	}
	return s.store.GetByID(ctx, orderID)
}

// ConfirmGatewayPayment 回调对账入口：按订单号（对账键）定位订单，
// 写入网关引用并把 pending 推进到 confirmed/paid，作为一条逻辑更新。
// 幂等：引用已写过的重复回调返回 ErrAlreadyReconciled（调用方按 no-op 处理）。
func (s *Service) ConfirmGatewayPayment(ctx context.Context, orderNumber, reference string, now time.Time) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	reference = strings.TrimSpace(reference)
	if orderNumber == "" || reference == "" {
		return nil, fmt.Errorf("%w: order number and reference required", ErrValidation)
	}

	o, err := s.store.GetByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.MpesaReference != "" {
		return o, ErrAlreadyReconciled
	}
	if !CanTransition(o.Status, StatusConfirmed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, StatusConfirmed)
	}

	rows, err := s.store.ConfirmPayment(ctx, orderNumber, reference, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rows == 0 {
		// 被并发方抢先：要么重复回调已写入引用，要么管理端改了状态
		latest, err := s.store.GetByOrderNumber(ctx, orderNumber)
		if err != nil {
			return nil, err
		}
		if latest.MpesaReference != "" {
			return latest, ErrAlreadyReconciled
		}
		return nil, fmt.Errorf("%w: order %s changed concurrently", ErrConflict, orderNumber)
	}
	return s.store.GetByOrderNumber(ctx, orderNumber)
}

// Delete 管理员硬删除，绕过状态机（行政操作，不是正常生命周期流转）。
func (s *Service) Delete(ctx context.Context, id string) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("service not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id required", ErrValidation)
	}
	return s.store.Delete(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, f ListFilter) ([]Order, int64, error) {
	if s == nil || s.store == nil {
		return nil, 0, fmt.Errorf("service not initialized")
	}
	return s.store.List(ctx, f)
}

// FindOpenGatewayOrder 重复下单防护查询（checkout 编排层使用）。
func (s *Service) FindOpenGatewayOrder(ctx context.Context, userID, fingerprint string, since time.Time) (*Order, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.store.FindOpenGatewayOrder(ctx, userID, fingerprint, since)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.store.Stats(ctx)
}
