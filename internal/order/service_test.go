package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore 内存实现，语义对齐 MySQL 版本（唯一键、CAS 前置条件）。
type memStore struct {
	mu       sync.Mutex
	byID     map[string]*Order
	byNumber map[string]*Order
}

func newMemStore() *memStore {
	return &memStore{
		byID:     map[string]*Order{},
		byNumber: map[string]*Order{},
	}
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	return &cp
}

func (m *memStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byNumber[o.OrderNumber]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.OrderNumber)
	}
	cp := cloneOrder(o)
	m.byID[cp.ID] = cp
	m.byNumber[cp.OrderNumber] = cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) GetByOrderNumber(_ context.Context, orderNumber string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byNumber[orderNumber]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, from, to Status, extra map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok || o.Status != from {
		return 0, nil
	}
	o.Status = to
	if v, ok := extra["confirmed_at"].(time.Time); ok {
		t := v
		o.ConfirmedAt = &t
	}
	if v, ok := extra["delivered_at"].(time.Time); ok {
		t := v
		o.DeliveredAt = &t
	}
	if v, ok := extra["cancelled_at"].(time.Time); ok {
		t := v
		o.CancelledAt = &t
	}
	if v, ok := extra["updated_at"].(time.Time); ok {
		o.UpdatedAt = v
	}
	return 1, nil
}

func (m *memStore) ConfirmPayment(_ context.Context, orderNumber, reference string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byNumber[orderNumber]
	if !ok || o.MpesaReference != "" || o.Status != StatusPending {
		return 0, nil
	}
	o.MpesaReference = reference
	o.PaymentStatus = PaymentPaid
	o.Status = StatusConfirmed
	t := now
	o.ConfirmedAt = &t
	o.UpdatedAt = now
	return 1, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byNumber, o.OrderNumber)
	return nil
}

func (m *memStore) List(_ context.Context, f ListFilter) ([]Order, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.byID {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = nil
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memStore) FindOpenGatewayOrder(_ context.Context, userID, fingerprint string, since time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Order
	for _, o := range m.byID {
		if o.UserID != userID || o.CartFingerprint != fingerprint {
			continue
		}
		if o.Status != StatusPending || o.PaymentMethod != MethodMpesa {
			continue
		}
		if o.CreatedAt.Before(since) {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneOrder(best), nil
}

func (m *memStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &Stats{StatusCounts: map[Status]int64{}}
	for _, o := range m.byID {
		st.TotalOrders++
		st.TotalRevenue += o.TotalAmount
		st.StatusCounts[o.Status]++
	}
	if st.TotalOrders > 0 {
		st.AverageOrderValue = float64(st.TotalRevenue) / float64(st.TotalOrders)
	}
	return st, nil
}

func testInput(method PaymentMethod) CreateOrderInput {
	return CreateOrderInput{
		UserID: "u-1",
		Name:   "Wanjiku",
		Email:  "wanjiku@example.com",
		Phone:  "254712345678",
		Items: []LineItem{
			{ItemID: "item-1", Name: "Ugali Deluxe", Quantity: 2, UnitPrice: 350, Subtotal: 700},
			{ItemID: "item-2", Name: "Sukuma Wiki", Quantity: 1, UnitPrice: 150, Subtotal: 150},
		},
		DeliveryFee:   100,
		PaymentMethod: method,
		DeliveryAddress: Address{
			Street: "Moi Avenue",
			City:   "Nairobi",
			County: "Nairobi",
		},
		CartFingerprint: "fp-abc",
	}
}

func TestCreateOrderGatewayMethod(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != StatusPending {
		t.Fatalf("gateway order must start pending, got %s", o.Status)
	}
	if o.PaymentStatus != PaymentPending {
		t.Fatalf("expected payment pending, got %s", o.PaymentStatus)
	}
	if o.Amount != 850 || o.TotalAmount != 950 {
		t.Fatalf("amount invariant broken: amount=%d total=%d", o.Amount, o.TotalAmount)
	}
	if o.TotalAmount != o.Amount+o.DeliveryFee {
		t.Fatalf("total != amount + fee")
	}
	prefix := fmt.Sprintf("ORD-%d-", now.UnixMilli())
	if !strings.HasPrefix(o.OrderNumber, prefix) || len(o.OrderNumber) != len(prefix)+3 {
		t.Fatalf("unexpected order number format %q", o.OrderNumber)
	}
	if o.ConfirmedAt != nil {
		t.Fatalf("gateway order must not be confirmed at creation")
	}
}

func TestCreateOrderPayAfterDelivery(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodPayAfterDelivery), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != StatusConfirmed {
		t.Fatalf("pay-after-delivery order must be confirmed immediately, got %s", o.Status)
	}
	if o.PaymentStatus != PaymentPending {
		t.Fatalf("payment stays pending until handed over, got %s", o.PaymentStatus)
	}
	if o.ConfirmedAt == nil {
		t.Fatalf("expected ConfirmedAt to be set")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	in := testInput(MethodMpesa)
	in.Items = nil
	if _, err := svc.CreateOrder(context.Background(), in, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty items, got %v", err)
	}

	in = testInput(MethodMpesa)
	in.PaymentMethod = "card"
	if _, err := svc.CreateOrder(context.Background(), in, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown method, got %v", err)
	}

	in = testInput(MethodMpesa)
	in.Items[0].Subtotal = 1 // 与 qty*price 不一致
	if _, err := svc.CreateOrder(context.Background(), in, now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for inconsistent subtotal, got %v", err)
	}
}

func TestOrderNumberRetryOnCollision(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	// 前两次后缀固定制造冲突，第三次换新
	suffixes := []string{"aaa", "aaa", "bbb"}
	i := 0
	svc.suffixFn = func() string {
		s := suffixes[i%len(suffixes)]
		i++
		return s
	}

	first, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("second CreateOrder (should retry past collision): %v", err)
	}
	if first.OrderNumber == second.OrderNumber {
		t.Fatalf("order numbers must be unique, both %q", first.OrderNumber)
	}
	if !strings.HasSuffix(second.OrderNumber, "bbb") {
		t.Fatalf("expected retried suffix bbb, got %q", second.OrderNumber)
	}
}

func TestOrderNumberRetryExhausted(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()
	svc.suffixFn = func() string { return "zzz" }

	if _, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now); err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	_, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence after exhausted retries, got %v", err)
	}
}

func TestConcurrentOrderNumbersUnique(t *testing.T) {
	svc := NewService(newMemStore())

	const n = 200
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)

	for g := 0; g < n; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), time.Now())
			if err != nil {
				errs <- err
				return
			}
			numbers <- o.OrderNumber
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent CreateOrder: %v", err)
	}
	seen := map[string]bool{}
	for num := range numbers {
		if seen[num] {
			t.Fatalf("duplicate order number %q", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique order numbers, got %d", n, len(seen))
	}
}

func TestUpdateStatusStateMachine(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodPayAfterDelivery), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// confirmed -> preparing -> out_for_delivery -> delivered
	for _, to := range []Status{StatusPreparing, StatusOutForDelivery, StatusDelivered} {
		o, err = svc.UpdateStatus(context.Background(), o.ID, to, time.Now())
		if err != nil {
			t.Fatalf("UpdateStatus to %s: %v", to, err)
		}
		if o.Status != to {
			t.Fatalf("expected %s, got %s", to, o.Status)
		}
	}
	if o.DeliveredAt == nil {
		t.Fatalf("expected DeliveredAt set")
	}

	// 终态不允许任何流转
	if _, err = svc.UpdateStatus(context.Background(), o.ID, StatusPending, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from delivered, got %v", err)
	}
	got, err := svc.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusDelivered {
		t.Fatalf("failed transition must leave order unchanged, got %s", got.Status)
	}
}

func TestUpdateStatusConflictSurfaced(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 读后、写前被并发方改掉状态
	if _, err := store.TransitionStatus(context.Background(), o.ID, StatusPending, StatusCancelled, nil); err != nil {
		t.Fatalf("sneaky transition: %v", err)
	}

	// Service 在 GetByID 读到 cancelled 后直接判非法流转
	_, err = svc.UpdateStatus(context.Background(), o.ID, StatusConfirmed, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after concurrent cancel, got %v", err)
	}
}

func TestConfirmGatewayPaymentIdempotent(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := svc.ConfirmGatewayPayment(context.Background(), o.OrderNumber, "ws_CO_123", time.Now())
	if err != nil {
		t.Fatalf("ConfirmGatewayPayment: %v", err)
	}
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Fatalf("expected confirmed/paid, got %s/%s", got.Status, got.PaymentStatus)
	}
	if got.MpesaReference != "ws_CO_123" {
		t.Fatalf("expected reference persisted, got %q", got.MpesaReference)
	}

	// 重复回调：引用不变，状态不变
	again, err := svc.ConfirmGatewayPayment(context.Background(), o.OrderNumber, "ws_CO_999", time.Now())
	if !errors.Is(err, ErrAlreadyReconciled) {
		t.Fatalf("expected ErrAlreadyReconciled on duplicate callback, got %v", err)
	}
	if again.MpesaReference != "ws_CO_123" {
		t.Fatalf("duplicate callback must not overwrite reference, got %q", again.MpesaReference)
	}
	if again.Status != StatusConfirmed {
		t.Fatalf("duplicate callback must not change status, got %s", again.Status)
	}
}

func TestConfirmGatewayPaymentUnknownOrder(t *testing.T) {
	svc := NewService(newMemStore())
	_, err := svc.ConfirmGatewayPayment(context.Background(), "ORD-0-xyz", "ws_CO_1", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown order number, got %v", err)
	}
}

func TestConfirmGatewayPaymentAfterCancel(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := svc.UpdateStatus(context.Background(), o.ID, StatusCancelled, now); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = svc.ConfirmGatewayPayment(context.Background(), o.OrderNumber, "ws_CO_1", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on cancelled order, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	o1, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	in2 := testInput(MethodPayAfterDelivery)
	in2.UserID = "u-2"
	if _, err := svc.CreateOrder(context.Background(), in2, now.Add(time.Second)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	orders, total, err := svc.ListOrders(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if total != 2 || len(orders) != 2 {
		t.Fatalf("expected 2 orders, got total=%d len=%d", total, len(orders))
	}

	orders, total, err = svc.ListOrders(context.Background(), ListFilter{UserID: "u-2"})
	if err != nil {
		t.Fatalf("ListOrders filter: %v", err)
	}
	if total != 1 || orders[0].UserID != "u-2" {
		t.Fatalf("user filter broken: total=%d", total)
	}

	if err := svc.Delete(context.Background(), o1.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(context.Background(), o1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStats(t *testing.T) {
	svc := NewService(newMemStore())
	now := time.Now()

	if _, err := svc.CreateOrder(context.Background(), testInput(MethodMpesa), now); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := svc.CreateOrder(context.Background(), testInput(MethodPayAfterDelivery), now); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	st, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalOrders != 2 {
		t.Fatalf("expected 2 orders, got %d", st.TotalOrders)
	}
	if st.TotalRevenue != 1900 {
		t.Fatalf("expected revenue 1900, got %d", st.TotalRevenue)
	}
	if st.AverageOrderValue != 950 {
		t.Fatalf("expected average 950, got %f", st.AverageOrderValue)
	}
	if st.StatusCounts[StatusPending] != 1 || st.StatusCounts[StatusConfirmed] != 1 {
		t.Fatalf("status counts wrong: %v", st.StatusCounts)
	}
}
