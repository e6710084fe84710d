package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
)

// ErrValidation 必填字段缺失。
var ErrValidation = errors.New("delivery: missing required field")

const earthRadiusKm = 6371

// 默认四档费用（KES）；覆盖表可按地点替换。
const (
	defaultFeeTier1 = 100
	defaultFeeTier2 = 200
	defaultFeeTier3 = 400
	defaultFeeTier4 = 800
)

// LocationInput 报价入参（估价器只关心这三个字段）。
type LocationInput struct {
	Country string `json:"country"`
	County  string `json:"county"`
	City    string `json:"city"`
}

// Quote 配送费报价。
type Quote struct {
	Supported  bool    `json:"supported"`
	Fee        *int64  `json:"fee"`
	Currency   string  `json:"currency,omitempty"`
	Tier       string  `json:"tier,omitempty"`
	DistanceKm float64 `json:"distanceKm,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Estimator 按距离分档的配送费估价器。
// 查找顺序：覆盖表（运营配置，带自己的坐标与费用）-> 内置坐标表 -> 兜底费用。
// 纯计算、无副作用；只会因为字段缺失返回 ErrValidation。
type Estimator struct {
	zones       ZoneStore
	origin      GeoPoint
	fallbackFee int64
	log         logger.Logger
}

func NewEstimator(zones ZoneStore, origin GeoPoint, fallbackFee int64, log logger.Logger) *Estimator {
	if fallbackFee <= 0 {
		fallbackFee = defaultFeeTier4
	}
	return &Estimator{
		zones:       zones,
		origin:      origin,
		fallbackFee: fallbackFee,
		log:         log,
	}
}

// Quote 计算配送费报价。
func (e *Estimator) Quote(ctx context.Context, in LocationInput) (Quote, error) {
	country := normalize(in.Country)
	county := normalize(in.County)
	city := normalize(in.City)

	if country == "" || county == "" || city == "" {
		return Quote{}, fmt.Errorf("%w: country/county/city are required", ErrValidation)
	}

	// 只支持肯尼亚境内配送
	if country != "kenya" {
		return Quote{
			Supported: false,
			Fee:       nil,
			Message:   "Only deliveries within Kenya at the moment",
		}, nil
	}

	coords, fees := e.resolveLocation(ctx, country, county, city)
	if coords == nil {
		fee := e.fallbackFee
		return Quote{
			Supported: true,
			Fee:       &fee,
			Currency:  "KES",
			Tier:      "Fallback: unknown city",
		}, nil
	}

	distKm := haversineDistance(e.origin, *coords)

	var fee int64
	var tier string
	switch {
	case distKm <= 5:
		fee, tier = fees[0], "0-5 km (Nairobi CBD & nearby)"
	case distKm <= 20:
		fee, tier = fees[1], "5-20 km"
	case distKm <= 50:
		fee, tier = fees[2], "20-50 km"
	default:
		fee, tier = fees[3], ">50 km"
	}

	return Quote{
		Supported:  true,
		Fee:        &fee,
		Currency:   "KES",
		Tier:       tier,
		DistanceKm: math.Round(distKm*100) / 100,
	}, nil
}

// resolveLocation 返回地点坐标与四档费用；两张表都没有时坐标为 nil。
func (e *Estimator) resolveLocation(ctx context.Context, country, county, city string) (*GeoPoint, [4]int64) {
	fees := [4]int64{defaultFeeTier1, defaultFeeTier2, defaultFeeTier3, defaultFeeTier4}

	if e.zones != nil {
		z, err := e.zones.Find(ctx, country, county, city)
		if err != nil {
			// 覆盖表查询失败时退回内置表，不让报价接口不可用
			if e.log != nil {
				e.log.Warnf("delivery zone lookup failed, falling back to builtin table: %v", err)
			}
		} else if z != nil {
			return &GeoPoint{Lat: z.Lat, Lng: z.Lng}, [4]int64{z.FeeTier1, z.FeeTier2, z.FeeTier3, z.FeeTier4}
		}
	}

	if p, ok := cityCoordinates[city+"|"+county]; ok {
		return &p, fees
	}
	return nil, fees
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}

// haversineDistance 大圆距离（km），地球半径取 6371。
func haversineDistance(a, b GeoPoint) float64 {
	dLat := deg2rad(b.Lat - a.Lat)
	dLon := deg2rad(b.Lng - a.Lng)
	lat1 := deg2rad(a.Lat)
	lat2 := deg2rad(b.Lat)

	sinDlat := math.Sin(dLat / 2)
	sinDlon := math.Sin(dLon / 2)
	h := sinDlat*sinDlat + sinDlon*sinDlon*math.Cos(lat1)*math.Cos(lat2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
