package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repo 订单持久层（MySQL / GORM）。
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) withCtx(ctx context.Context) *gorm.DB {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx)
}

func (r *Repo) Create(ctx context.Context, o *Order) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	if err := db.Create(o).Error; err != nil {
		// 唯一键冲突交给 Service 换订单号后缀重试
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.OrderNumber)
		}
		return err
	}
	return nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Order, error) {
	return r.getOne(ctx, "id = ?", id)
}

func (r *Repo) GetByOrderNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return r.getOne(ctx, "order_number = ?", orderNumber)
}

func (r *Repo) getOne(ctx context.Context, query string, arg string) (*Order, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var o Order
	err := db.Preload("Items", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Where(query, arg).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// TransitionStatus 带乐观并发前置条件的状态更新：
// 只有落库状态仍等于 from 时才生效；返回受影响行数，0 表示被并发方抢先。
func (r *Repo) TransitionStatus(ctx context.Context, id string, from, to Status, extra map[string]any) (int64, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return 0, fmt.Errorf("repo db is nil")
	}
	updates := map[string]any{"order_status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&Order{}).
		Where("id = ? AND order_status = ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

// ConfirmPayment 回调对账的单条逻辑更新：
// 写入网关引用 + paymentStatus=paid + orderStatus=confirmed，
// 前置条件是引用尚未写过且订单仍为 pending（引用只写一次 = 幂等闸门）。
func (r *Repo) ConfirmPayment(ctx context.Context, orderNumber, reference string, now time.Time) (int64, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return 0, fmt.Errorf("repo db is nil")
	}
	res := db.Model(&Order{}).
		Where("order_number = ? AND (mpesa_reference IS NULL OR mpesa_reference = '') AND order_status = ?",
			orderNumber, StatusPending).
		Updates(map[string]any{
			"mpesa_reference": reference,
			"payment_status":  PaymentPaid,
			"order_status":    StatusConfirmed,
			"confirmed_at":    now,
		})
	return res.RowsAffected, res.Error
}

// Delete 管理员硬删除（绕过状态机），连同快照行一并删除。
func (r *Repo) Delete(ctx context.Context, id string) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&LineItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListFilter 查询条件。
type ListFilter struct {
	UserID string
	Status Status
	Offset int
	Limit  int
}

// List 按 user_id / status 过滤 + 分页，新订单在前。
func (r *Repo) List(ctx context.Context, f ListFilter) ([]Order, int64, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, 0, fmt.Errorf("repo db is nil")
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := db.Model(&Order{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("order_status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []Order
	if err := q.Preload("Items", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// FindOpenGatewayOrder 重复下单防护：
// 查同一用户、同一购物车指纹、since 之后创建、仍处 pending 的网关订单。
func (r *Repo) FindOpenGatewayOrder(ctx context.Context, userID, fingerprint string, since time.Time) (*Order, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var o Order
	err := db.Where(
		"user_id = ? AND cart_fingerprint = ? AND order_status = ? AND payment_method = ? AND created_at >= ?",
		userID, fingerprint, StatusPending, MethodMpesa, since,
	).Order("created_at DESC").First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// Stats 管理端统计。
func (r *Repo) Stats(ctx context.Context) (*Stats, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}

	st := &Stats{StatusCounts: map[Status]int64{}}

	if err := db.Model(&Order{}).Count(&st.TotalOrders).Error; err != nil {
		return nil, err
	}
	if st.TotalOrders > 0 {
		var revenue struct{ Total int64 }
		if err := db.Model(&Order{}).Select("COALESCE(SUM(total_amount),0) AS total").Scan(&revenue).Error; err != nil {
			return nil, err
		}
		st.TotalRevenue = revenue.Total
		st.AverageOrderValue = float64(st.TotalRevenue) / float64(st.TotalOrders)
	}

	var rows []struct {
		OrderStatus Status
		N           int64
	}
	if err := db.Model(&Order{}).Select("order_status, COUNT(*) AS n").Group("order_status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		st.StatusCounts[row.OrderStatus] = row.N
	}

	recent, _, err := r.List(ctx, ListFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	st.RecentOrders = recent

	return st, nil
}
