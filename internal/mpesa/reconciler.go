package mpesa

import (
	"context"
	"errors"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
)

// OrderConfirmer 对账需要的订单台账能力。
type OrderConfirmer interface {
	ConfirmGatewayPayment(ctx context.Context, orderNumber, reference string, now time.Time) (*order.Order, error)
}

// CartClearer 支付确认后清空用户购物车。
type CartClearer interface {
	Clear(ctx context.Context, userID string) error
}

// Reconciler 把网关回调落到订单台账上。
// Process 永不返回错误：回调已经应答过，这里只能记录并依赖幂等性，
// 重复回调、未知订单、金额不符都不会破坏台账状态。
type Reconciler struct {
	orders OrderConfirmer
	carts  CartClearer
	log    logger.Logger
	now    func() time.Time
}

func NewReconciler(orders OrderConfirmer, carts CartClearer, log logger.Logger) *Reconciler {
	return &Reconciler{orders: orders, carts: carts, log: log, now: time.Now}
}

// Process 处理一条回调。
func (rc *Reconciler) Process(ctx context.Context, cb StkCallback) {
	if rc == nil || rc.orders == nil {
		return
	}

	if cb.ResultCode != 0 {
		// 用户取消 / 余额不足等：订单保持 pending，留给用户重新发起或人工跟进
		rc.warnf("mpesa callback: payment failed checkout_request_id=%s code=%d desc=%s",
			cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc)
		return
	}

	orderNumber := cb.OrderNumber()
	if orderNumber == "" {
		rc.warnf("mpesa callback: missing account reference checkout_request_id=%s receipt=%s",
			cb.CheckoutRequestID, cb.Receipt())
		return
	}

	o, err := rc.orders.ConfirmGatewayPayment(ctx, orderNumber, cb.CheckoutRequestID, rc.now())
	switch {
	case err == nil:
	case errors.Is(err, order.ErrAlreadyReconciled):
		rc.infof("mpesa callback: duplicate for order=%s checkout_request_id=%s, ignoring",
			orderNumber, cb.CheckoutRequestID)
		return
	case errors.Is(err, order.ErrNotFound):
		// 回调里报的订单号在台账里不存在：钱可能已扣，必须人工对账
		rc.errorf("mpesa callback: no such order=%s checkout_request_id=%s receipt=%s amount=%d",
			orderNumber, cb.CheckoutRequestID, cb.Receipt(), cb.Amount())
		return
	default:
		rc.errorf("mpesa callback: reconciliation failed order=%s: %v", orderNumber, err)
		return
	}

	if amt := cb.Amount(); amt > 0 && amt != o.TotalAmount {
		// 状态已推进，金额差异只记录不回滚
		rc.errorf("mpesa callback: amount mismatch order=%s expected=%d reported=%d receipt=%s",
			orderNumber, o.TotalAmount, amt, cb.Receipt())
	}

	rc.infof("mpesa callback: order=%s confirmed receipt=%s", orderNumber, cb.Receipt())

	if rc.carts != nil {
		if err := rc.carts.Clear(ctx, o.UserID); err != nil {
			rc.warnf("mpesa callback: clearing cart user=%s: %v", o.UserID, err)
		}
	}
}

func (rc *Reconciler) infof(format string, args ...interface{}) {
	if rc.log != nil {
		rc.log.Infof(format, args...)
	}
}

func (rc *Reconciler) warnf(format string, args ...interface{}) {
	if rc.log != nil {
		rc.log.Warnf(format, args...)
	}
}

func (rc *Reconciler) errorf(format string, args ...interface{}) {
	if rc.log != nil {
		rc.log.Errorf(format, args...)
	}
}
