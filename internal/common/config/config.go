package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Consul   ConsulConfig   `json:"consul"`
	Jaeger   JaegerConfig   `json:"jaeger"`
	Log      LogConfig      `json:"log"`
	Auth     AuthConfig     `json:"auth"`
	Mpesa    MpesaConfig    `json:"mpesa"`
	Delivery DeliveryConfig `json:"delivery"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name     string `json:"name"`      // 服务名称
	Host     string `json:"host"`      // 服务地址
	HTTPPort int    `json:"http_port"` // HTTP端口
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `json:"driver"`   // 数据库驱动
	Host     string `json:"host"`     // 数据库地址
	Port     int    `json:"port"`     // 数据库端口
	User     string `json:"user"`     // 用户名
	Password string `json:"password"` // 密码
	Database string `json:"database"` // 数据库名
	MaxIdle  int    `json:"max_idle"` // 最大空闲连接
	MaxOpen  int    `json:"max_open"` // 最大打开连接
}

// ConsulConfig Consul配置
type ConsulConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// JaegerConfig Jaeger配置
type JaegerConfig struct {
	Endpoint string  `json:"endpoint"`
	Sampler  float64 `json:"sampler"` // 采样率 0.0-1.0
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, file
	Path   string `json:"path"`   // 日志文件路径
}

// AuthConfig JWT 鉴权配置
type AuthConfig struct {
	Enabled     bool     `json:"enabled"`
	JWTSecret   string   `json:"jwt_secret"`
	Issuer      string   `json:"issuer"`
	Audience    string   `json:"audience"`
	PublicPaths []string `json:"public_paths"` // 免鉴权路径前缀（回调、报价、健康检查等）
}

// MpesaConfig M-Pesa（Daraja）支付网关配置
type MpesaConfig struct {
	BaseURL        string `json:"base_url"`        // 例如 https://sandbox.safaricom.co.ke
	ConsumerKey    string `json:"consumer_key"`    // OAuth consumer key
	ConsumerSecret string `json:"consumer_secret"` // OAuth consumer secret
	ShortCode      string `json:"short_code"`      // 商户 BusinessShortCode
	Passkey        string `json:"passkey"`         // STK push passkey
	CallbackURL    string `json:"callback_url"`    // 异步回调地址
	TimeoutSec     int    `json:"timeout_sec"`     // 外呼超时（秒）
}

// Timeout 网关外呼的有界超时；超时按“结果未知”处理，订单保持 pending。
func (m MpesaConfig) Timeout() time.Duration {
	if m.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(m.TimeoutSec) * time.Second
}

// DeliveryConfig 配送费配置
type DeliveryConfig struct {
	OriginLat   float64 `json:"origin_lat"`   // 发货点纬度
	OriginLng   float64 `json:"origin_lng"`   // 发货点经度
	FallbackFee int64   `json:"fallback_fee"` // 未知城市兜底费用（KES）
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig 加载配置
func LoadConfig(configPath string) (*Config, error) {
	var err error
	configOnce.Do(func() {
		globalConfig = defaultConfig()
		// 如果配置文件不存在，使用默认配置
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			logrus.Warnf("Config file not found: %s, using default config", configPath)
			return
		}

		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file: %w", readErr)
			return
		}

		if unmarshalErr := json.Unmarshal(data, globalConfig); unmarshalErr != nil {
			err = fmt.Errorf("failed to parse config file: %w", unmarshalErr)
			return
		}
	})

	if err != nil {
		return nil, err
	}

	return globalConfig, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	if globalConfig == nil {
		return defaultConfig()
	}
	return globalConfig
}

// defaultConfig 默认配置（开发环境）
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:     "order-service",
			Host:     "0.0.0.0",
			HTTPPort: 8080,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "root",
			Database: "jikoni",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		Consul: ConsulConfig{
			Host: "localhost",
			Port: 8500,
		},
		Jaeger: JaegerConfig{
			Endpoint: "http://localhost:14268/api/traces",
			Sampler:  1.0,
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
			Output: "stdout",
			Path:   "logs/app.log",
		},
		Auth: AuthConfig{
			Enabled:  false,
			Issuer:   "jikoni-express",
			Audience: "jikoni-express",
			PublicPaths: []string{
				"/healthz",
				"/api/delivery/quote",
				"/api/payments/callback",
			},
		},
		Mpesa: MpesaConfig{
			BaseURL:     "https://sandbox.safaricom.co.ke",
			CallbackURL: "http://localhost:8080/api/payments/callback",
			TimeoutSec:  15,
		},
		Delivery: DeliveryConfig{
			// 公司发货点：Nairobi CBD
			OriginLat:   -1.28333,
			OriginLng:   36.81667,
			FallbackFee: 800,
		},
	}
}
