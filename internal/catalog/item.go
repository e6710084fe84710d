package catalog

import (
	"time"
)

// Item 是 catalog_items 表的 GORM 模型（菜品目录，最小可用）。
// 目录的增删改由运营后台负责，本服务只读。
type Item struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Name      string    `gorm:"size:128;not null"`
	Price     int64     `gorm:"not null"` // 单价（KES，整数）
	Category  string    `gorm:"size:64;index"`
	Available bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
