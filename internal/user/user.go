package user

import (
	"encoding/json"
	"time"
)

// User 是 users 表的 GORM 模型（用户目录，下单时提供联系方式与购物车）。
type User struct {
	ID        string     `gorm:"primaryKey;size:36"`
	Name      string     `gorm:"size:64;not null"`
	Email     string     `gorm:"uniqueIndex;size:128;not null"`
	Phone     string     `gorm:"size:32"`
	Role      string     `gorm:"size:16;not null;default:'user'"` // user / admin
	Status    string     `gorm:"size:16;not null;default:'active'"`
	CartData  string     `gorm:"type:text"` // JSON：菜品ID -> 数量
	LastLogin *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Cart 解析 CartData；空或非法 JSON 返回空 map（历史脏数据不致命）。
func (u User) Cart() map[string]int64 {
	out := map[string]int64{}
	if u.CartData == "" {
		return out
	}
	if err := json.Unmarshal([]byte(u.CartData), &out); err != nil {
		return map[string]int64{}
	}
	return out
}

// EncodeCart 序列化购物车内容，供 Repo.UpdateCart 写回。
func EncodeCart(cart map[string]int64) string {
	if len(cart) == 0 {
		return "{}"
	}
	b, err := json.Marshal(cart)
	if err != nil {
		return "{}"
	}
	return string(b)
}
