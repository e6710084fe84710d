package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Zone 是 delivery_zones 覆盖表的 GORM 模型：
// 运营可对单个地点配置自己的坐标与四档费用，优先于内置坐标表。
type Zone struct {
	ID      uint    `gorm:"primaryKey;autoIncrement"`
	Country string  `gorm:"size:64;not null;uniqueIndex:idx_zone_loc"`
	County  string  `gorm:"size:64;not null;uniqueIndex:idx_zone_loc"`
	City    string  `gorm:"size:64;not null;uniqueIndex:idx_zone_loc"`
	Lat     float64 `gorm:"not null"`
	Lng     float64 `gorm:"not null"`

	FeeTier1 int64 `gorm:"not null;default:100"` // 0-5 km
	FeeTier2 int64 `gorm:"not null;default:200"` // 5-20 km
	FeeTier3 int64 `gorm:"not null;default:400"` // 20-50 km
	FeeTier4 int64 `gorm:"not null;default:800"` // >50 km
}

// ZoneStore 覆盖表查询接口；未配置时返回 (nil, nil)。
type ZoneStore interface {
	Find(ctx context.Context, country, county, city string) (*Zone, error)
}

type ZoneRepo struct {
	db *gorm.DB
}

func NewZoneRepo(db *gorm.DB) *ZoneRepo {
	return &ZoneRepo{db: db}
}

func (r *ZoneRepo) Find(ctx context.Context, country, county, city string) (*Zone, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var z Zone
	err := r.db.WithContext(ctx).
		Where("LOWER(country) = ? AND LOWER(county) = ? AND LOWER(city) = ?",
			normalize(country), normalize(county), normalize(city)).
		First(&z).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &z, nil
}

func (r *ZoneRepo) Upsert(ctx context.Context, z *Zone) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return r.db.WithContext(ctx).Save(z).Error
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
