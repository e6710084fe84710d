package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/cart"
	"github.com/JikoniExpress/JikoniExpress/internal/delivery"
	"github.com/JikoniExpress/JikoniExpress/internal/mpesa"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
	"github.com/JikoniExpress/JikoniExpress/internal/user"
)

type fakeUsers struct {
	users map[string]*user.User
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type fakeCarts struct {
	snap *cart.Snapshot
	err  error
}

func (f *fakeCarts) Resolve(_ context.Context, _ string) (*cart.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

type fakeQuoter struct {
	quote delivery.Quote
	err   error
}

func (f *fakeQuoter) Quote(_ context.Context, _ delivery.LocationInput) (delivery.Quote, error) {
	return f.quote, f.err
}

type fakeLedger struct {
	created []order.CreateOrderInput
	open    *order.Order
	byNum   map[string]*order.Order
	err     error
}

func (f *fakeLedger) CreateOrder(_ context.Context, in order.CreateOrderInput, now time.Time) (*order.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, in)
	var subtotal int64
	for _, it := range in.Items {
		subtotal += it.Subtotal
	}
	o := &order.Order{
		ID:            "o-1",
		OrderNumber:   "ORD-1700000000000-abc",
		UserID:        in.UserID,
		Phone:         in.Phone,
		Amount:        subtotal,
		DeliveryFee:   in.DeliveryFee,
		TotalAmount:   subtotal + in.DeliveryFee,
		PaymentMethod: in.PaymentMethod,
		PaymentStatus: order.PaymentPending,
		Status:        order.StatusPending,
		CreatedAt:     now,
	}
	if in.PaymentMethod == order.MethodPayAfterDelivery {
		o.Status = order.StatusConfirmed
	}
	return o, nil
}

func (f *fakeLedger) GetByOrderNumber(_ context.Context, orderNumber string) (*order.Order, error) {
	o, ok := f.byNum[orderNumber]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeLedger) FindOpenGatewayOrder(_ context.Context, _, _ string, _ time.Time) (*order.Order, error) {
	return f.open, nil
}

type fakeDispatcher struct {
	calls []mpesa.DispatchInput
	res   *mpesa.DispatchResult
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, in mpesa.DispatchInput) (*mpesa.DispatchResult, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func quoteKES(fee int64) delivery.Quote {
	return delivery.Quote{Supported: true, Fee: &fee, Currency: "KES", Tier: "0-5 km (Nairobi CBD & nearby)"}
}

func testSnapshot() *cart.Snapshot {
	return &cart.Snapshot{
		Items: []order.LineItem{
			{ItemID: "11111111-1111-1111-1111-111111111111", Name: "Pilau", Quantity: 2, UnitPrice: 400, Subtotal: 800},
		},
		ItemsSubtotal: 800,
		Fingerprint:   "fp-1",
	}
}

func testService(users *fakeUsers, carts *fakeCarts, quoter *fakeQuoter, ledger *fakeLedger, d *fakeDispatcher) *Service {
	return NewService(users, carts, quoter, ledger, d, nil)
}

func defaultUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*user.User{
		"u-1": {ID: "u-1", Name: "Wanjiku", Email: "wanjiku@example.com", Phone: "0712345678"},
	}}
}

func nairobiInput(method order.PaymentMethod) PlaceOrderInput {
	return PlaceOrderInput{
		UserID:        "u-1",
		PaymentMethod: method,
		Street:        "Moi Avenue",
		City:          "Nairobi",
		County:        "Nairobi",
		Country:       "Kenya",
	}
}

func TestPlaceOrderGatewayFlow(t *testing.T) {
	ledger := &fakeLedger{}
	dispatcher := &fakeDispatcher{res: &mpesa.DispatchResult{
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, ledger, dispatcher)

	res, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Order.Status != order.StatusPending {
		t.Fatalf("gateway order must stay pending until callback, got %s", res.Order.Status)
	}
	if res.Order.TotalAmount != 900 {
		t.Fatalf("expected total 900 (800 items + 100 fee), got %d", res.Order.TotalAmount)
	}
	if res.DispatchFailed != "" {
		t.Fatalf("unexpected dispatch failure: %s", res.DispatchFailed)
	}
	if res.CustomerMessage == "" {
		t.Fatalf("expected customer message from gateway")
	}

	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(dispatcher.calls))
	}
	call := dispatcher.calls[0]
	if call.OrderNumber != res.Order.OrderNumber {
		t.Fatalf("dispatch must reference the created order, got %q", call.OrderNumber)
	}
	if call.Amount != 900 {
		t.Fatalf("dispatch amount must equal order total, got %d", call.Amount)
	}
	if call.Phone != "254712345678" {
		t.Fatalf("expected normalized account phone, got %q", call.Phone)
	}

	// 落单先于外呼
	if len(ledger.created) != 1 {
		t.Fatalf("expected one persisted order, got %d", len(ledger.created))
	}
	if ledger.created[0].CartFingerprint != "fp-1" {
		t.Fatalf("fingerprint must be persisted with the order")
	}
}

func TestPlaceOrderPayAfterDeliverySkipsGateway(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(200)}, &fakeLedger{}, dispatcher)

	res, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodPayAfterDelivery))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Order.Status != order.StatusConfirmed {
		t.Fatalf("pay-after-delivery must confirm immediately, got %s", res.Order.Status)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatalf("pay-after-delivery must not touch the gateway")
	}
}

func TestPlaceOrderGatewayErrorKeepsOrder(t *testing.T) {
	dispatcher := &fakeDispatcher{err: mpesa.ErrGateway}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, &fakeLedger{}, dispatcher)

	res, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa))
	if err != nil {
		t.Fatalf("gateway failure must not fail checkout: %v", err)
	}
	if res.Order == nil || res.Order.Status != order.StatusPending {
		t.Fatalf("order must be kept pending after gateway failure")
	}
	if res.DispatchFailed == "" {
		t.Fatalf("expected dispatch failure surfaced in result")
	}
}

func TestPlaceOrderTimeoutOutcomeUnknown(t *testing.T) {
	dispatcher := &fakeDispatcher{err: mpesa.ErrOutcomeUnknown}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, &fakeLedger{}, dispatcher)

	res, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa))
	if err != nil {
		t.Fatalf("unknown outcome must not fail checkout: %v", err)
	}
	// 结果未知 != 失败：订单保留，且本次请求内绝不重发
	if len(dispatcher.calls) != 1 {
		t.Fatalf("must dispatch exactly once even on timeout, got %d", len(dispatcher.calls))
	}
	if res.DispatchFailed == "" {
		t.Fatalf("expected unknown outcome surfaced in result")
	}
}

func TestPlaceOrderUnsupportedLocation(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()},
		&fakeQuoter{quote: delivery.Quote{Supported: false, Message: "Only deliveries within Kenya at the moment"}},
		ledger, &fakeDispatcher{})

	in := nairobiInput(order.MethodMpesa)
	in.Country = "Tanzania"
	_, err := svc.PlaceOrder(context.Background(), in)
	if !errors.Is(err, ErrUnsupportedLocation) {
		t.Fatalf("expected ErrUnsupportedLocation, got %v", err)
	}
	if len(ledger.created) != 0 {
		t.Fatalf("unsupported location must not create an order")
	}
}

func TestPlaceOrderDuplicateCheckoutBlocked(t *testing.T) {
	existing := &order.Order{OrderNumber: "ORD-1-aaa", Status: order.StatusPending, PaymentMethod: order.MethodMpesa}
	ledger := &fakeLedger{open: existing}
	dispatcher := &fakeDispatcher{}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, ledger, dispatcher)

	res, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa))
	if !errors.Is(err, ErrDuplicateCheckout) {
		t.Fatalf("expected ErrDuplicateCheckout, got %v", err)
	}
	if res == nil || res.Order.OrderNumber != "ORD-1-aaa" {
		t.Fatalf("expected in-flight order returned with rejection")
	}
	if len(ledger.created) != 0 || len(dispatcher.calls) != 0 {
		t.Fatalf("duplicate checkout must not create or dispatch")
	}
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	svc := testService(defaultUsers(), &fakeCarts{err: cart.ErrCartEmpty}, &fakeQuoter{quote: quoteKES(100)}, &fakeLedger{}, &fakeDispatcher{})
	if _, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa)); !errors.Is(err, cart.ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty, got %v", err)
	}
}

func TestPlaceOrderBadPhoneRejectedBeforePersisting(t *testing.T) {
	users := &fakeUsers{users: map[string]*user.User{
		"u-1": {ID: "u-1", Name: "Wanjiku", Email: "wanjiku@example.com", Phone: "not-a-phone"},
	}}
	ledger := &fakeLedger{}
	svc := testService(users, &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, ledger, &fakeDispatcher{})

	_, err := svc.PlaceOrder(context.Background(), nairobiInput(order.MethodMpesa))
	if !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad phone, got %v", err)
	}
	if len(ledger.created) != 0 {
		t.Fatalf("bad phone must be rejected before the order is persisted")
	}
}

func TestRedispatch(t *testing.T) {
	pendingOrder := &order.Order{
		OrderNumber:   "ORD-1-aaa",
		Phone:         "254712345678",
		TotalAmount:   900,
		Status:        order.StatusPending,
		PaymentMethod: order.MethodMpesa,
	}
	ledger := &fakeLedger{byNum: map[string]*order.Order{"ORD-1-aaa": pendingOrder}}
	dispatcher := &fakeDispatcher{res: &mpesa.DispatchResult{CustomerMessage: "ok"}}
	svc := testService(defaultUsers(), &fakeCarts{snap: testSnapshot()}, &fakeQuoter{quote: quoteKES(100)}, ledger, dispatcher)

	res, err := svc.Redispatch(context.Background(), "ORD-1-aaa")
	if err != nil {
		t.Fatalf("Redispatch: %v", err)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].Amount != 900 {
		t.Fatalf("expected dispatch with order total, got %v", dispatcher.calls)
	}
	if res.CustomerMessage != "ok" {
		t.Fatalf("expected gateway message")
	}

	// 已确认（引用已写）的订单不允许再推
	pendingOrder.MpesaReference = "ws_CO_1"
	pendingOrder.Status = order.StatusConfirmed
	if _, err := svc.Redispatch(context.Background(), "ORD-1-aaa"); !errors.Is(err, order.ErrConflict) {
		t.Fatalf("expected ErrConflict for reconciled order, got %v", err)
	}

	if _, err := svc.Redispatch(context.Background(), "ORD-404"); !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
