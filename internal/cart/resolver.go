package cart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JikoniExpress/JikoniExpress/internal/catalog"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
	"github.com/JikoniExpress/JikoniExpress/internal/user"
	"github.com/google/uuid"
)

var (
	// ErrCartEmpty 购物车里没有任何可结算的有效条目。
	ErrCartEmpty = errors.New("cart: no valid items")
	ErrNotFound  = errors.New("cart: user not found")
	ErrBadItemID = errors.New("cart: malformed item id")
)

// UserStore 购物车读写依赖的用户存储。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
	UpdateCart(ctx context.Context, id string, cartJSON string) error
	ClearCart(ctx context.Context, id string) error
}

// ItemStore 菜品目录只读访问。
type ItemStore interface {
	FindByID(ctx context.Context, id string) (*catalog.Item, error)
}

// Snapshot 结算时刻的购物车快照：行项目顺序确定、单价冻结。
type Snapshot struct {
	Items         []order.LineItem
	ItemsSubtotal int64
	// Fingerprint 购物车内容指纹（菜品与数量），用于短时间窗内的重复下单拦截
	Fingerprint string
}

// Resolver 把持久化的购物车（菜品ID -> 数量）解析成可结算快照。
type Resolver struct {
	users UserStore
	items ItemStore
	log   logger.Logger
}

func NewResolver(users UserStore, items ItemStore, log logger.Logger) *Resolver {
	return &Resolver{users: users, items: items, log: log}
}

// Resolve 读取用户购物车并逐行校验：
// - 数量 <= 0、ID 非法、目录里查不到或已下架的条目跳过并记日志
// - 单价取目录当前价并冻结进快照
// - 条目按菜品 ID 排序，保证行顺序与指纹都是确定性的
// 没有任何有效条目时返回 ErrCartEmpty。
func (rv *Resolver) Resolve(ctx context.Context, userID string) (*Snapshot, error) {
	if rv == nil || rv.users == nil || rv.items == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}

	u, err := rv.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	contents := u.Cart()
	ids := make([]string, 0, len(contents))
	for id := range contents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snap := &Snapshot{}
	var fpParts []string
	for _, id := range ids {
		qty := contents[id]
		if qty <= 0 {
			rv.logSkip(userID, id, "non-positive quantity")
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			rv.logSkip(userID, id, "malformed item id")
			continue
		}
		it, err := rv.items.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				rv.logSkip(userID, id, "item not in catalog")
				continue
			}
			return nil, err
		}
		if !it.Available {
			rv.logSkip(userID, id, "item unavailable")
			continue
		}

		line := order.LineItem{
			ItemID:    it.ID,
			Name:      it.Name,
			Quantity:  qty,
			UnitPrice: it.Price,
			Subtotal:  qty * it.Price,
		}
		snap.Items = append(snap.Items, line)
		snap.ItemsSubtotal += line.Subtotal
		fpParts = append(fpParts, fmt.Sprintf("%s:%d", id, qty))
	}

	if len(snap.Items) == 0 {
		return nil, ErrCartEmpty
	}
	snap.Fingerprint = fingerprint(fpParts)
	return snap, nil
}

func (rv *Resolver) logSkip(userID, itemID, reason string) {
	if rv.log != nil {
		rv.log.Warnf("cart: skipping item user=%s item=%s reason=%s", userID, itemID, reason)
	}
}

// fingerprint parts 已按菜品 ID 排序。
func fingerprint(parts []string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(h[:])
}

// Add 购物车加一份（不存在则从 1 开始）。
func (rv *Resolver) Add(ctx context.Context, userID, itemID string) (map[string]int64, error) {
	return rv.adjust(ctx, userID, itemID, 1)
}

// Remove 购物车减一份，减到 0 则移除条目。
func (rv *Resolver) Remove(ctx context.Context, userID, itemID string) (map[string]int64, error) {
	return rv.adjust(ctx, userID, itemID, -1)
}

func (rv *Resolver) adjust(ctx context.Context, userID, itemID string, delta int64) (map[string]int64, error) {
	if rv == nil || rv.users == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	itemID = strings.TrimSpace(itemID)
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadItemID, itemID)
	}
	if delta > 0 && rv.items != nil {
		// 加购前确认条目在目录里且可售
		it, err := rv.items.FindByID(ctx, itemID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, catalog.ErrNotFound
			}
			return nil, err
		}
		if !it.Available {
			return nil, catalog.ErrNotFound
		}
	}

	u, err := rv.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	contents := u.Cart()
	next := contents[itemID] + delta
	if next <= 0 {
		delete(contents, itemID)
	} else {
		contents[itemID] = next
	}

	if err := rv.users.UpdateCart(ctx, userID, user.EncodeCart(contents)); err != nil {
		return nil, err
	}
	return contents, nil
}

// Contents 返回用户当前购物车原始内容。
func (rv *Resolver) Contents(ctx context.Context, userID string) (map[string]int64, error) {
	if rv == nil || rv.users == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	u, err := rv.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u.Cart(), nil
}

// Clear 清空购物车（支付确认后由对账器调用）。
func (rv *Resolver) Clear(ctx context.Context, userID string) error {
	if rv == nil || rv.users == nil {
		return fmt.Errorf("resolver not initialized")
	}
	if err := rv.users.ClearCart(ctx, userID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
