package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/JikoniExpress/JikoniExpress/internal/cart"
	"github.com/JikoniExpress/JikoniExpress/internal/catalog"
	"github.com/JikoniExpress/JikoniExpress/internal/checkout"
	"github.com/JikoniExpress/JikoniExpress/internal/common/config"
	"github.com/JikoniExpress/JikoniExpress/internal/common/db"
	"github.com/JikoniExpress/JikoniExpress/internal/common/logger"
	"github.com/JikoniExpress/JikoniExpress/internal/common/middleware"
	"github.com/JikoniExpress/JikoniExpress/internal/common/server"
	"github.com/JikoniExpress/JikoniExpress/internal/common/tracing"
	"github.com/JikoniExpress/JikoniExpress/internal/delivery"
	"github.com/JikoniExpress/JikoniExpress/internal/mpesa"
	"github.com/JikoniExpress/JikoniExpress/internal/order"
	"github.com/JikoniExpress/JikoniExpress/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/order-service.json", "配置文件路径")
	consulKVKey := flag.String("consul-kv", "", "从 Consul KV 读取配置的 key（优先于本地文件）")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *consulKVKey != "" {
		kvCfg, err := config.LoadConfigFromConsulKV(cfg.Consul.Host, cfg.Consul.Port, *consulKVKey)
		if err != nil {
			logrus.Fatalf("Failed to load config from consul kv: %v", err)
		}
		cfg = kvCfg
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		logrus.Fatalf("Failed to init logger: %v", err)
	}

	// 链路追踪（InitTracer 内部会设置全局 tracer）
	_, closer, err := tracing.InitTracer(cfg.Server.Name, cfg.Jaeger.Endpoint, cfg.Jaeger.Sampler)
	if err != nil {
		log.Warnf("failed to init tracer: %v", err)
	} else {
		defer closer.Close()
	}

	// 数据库
	gormDB, err := db.NewMySQL(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Database,
		cfg.Database.MaxIdle, cfg.Database.MaxOpen,
	)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	if err := gormDB.AutoMigrate(
		&order.Order{}, &order.LineItem{},
		&user.User{}, &catalog.Item{}, &delivery.Zone{},
	); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	// 仓储
	userRepo := user.NewRepo(gormDB)
	itemRepo := catalog.NewRepo(gormDB)
	orderRepo := order.NewRepo(gormDB)
	zoneRepo := delivery.NewZoneRepo(gormDB)

	// 领域服务
	orderSvc := order.NewService(orderRepo)
	estimator := delivery.NewEstimator(
		zoneRepo,
		delivery.GeoPoint{Lat: cfg.Delivery.OriginLat, Lng: cfg.Delivery.OriginLng},
		cfg.Delivery.FallbackFee,
		log,
	)
	resolver := cart.NewResolver(userRepo, itemRepo, log)
	mpesaClient := mpesa.NewClient(cfg.Mpesa, log)
	checkoutSvc := checkout.NewService(userRepo, resolver, estimator, orderSvc, mpesaClient, log)
	reconciler := mpesa.NewReconciler(orderSvc, resolver, log)

	// HTTP 适配层
	checkoutHandler := checkout.NewHTTPHandler(checkoutSvc, log)
	deliveryHandler := delivery.NewHTTPHandler(estimator, log)
	callbackHandler := mpesa.NewCallbackHandler(reconciler, log)
	orderHandler := order.NewHTTPHandler(orderSvc, log)
	cartHandler := cart.NewHTTPHandler(resolver, log)
	menuHandler := catalog.NewHTTPHandler(itemRepo, log)

	// 限流：结算走令牌桶，回调走滑动窗口
	checkoutLimiter := middleware.NewTokenBucket(20, 10)
	callbackLimiter := middleware.NewSlidingWindow(time.Minute, 300)

	r := chi.NewRouter()
	r.Use(server.Recovery(log))
	r.Use(server.Tracing(cfg.Server.Name))
	r.Use(server.AccessLog(log))
	r.Use(server.JWTAuth(cfg.Auth, log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]any{"status": "ok", "service": cfg.Server.Name})
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/checkout", func(cr chi.Router) {
			cr.Use(middleware.Limit(checkoutLimiter))
			checkoutHandler.Routes(cr)
		})

		api.Post("/delivery/quote", deliveryHandler.Quote)

		api.Route("/payments", func(pr chi.Router) {
			pr.Use(middleware.Limit(callbackLimiter))
			pr.Post("/callback", callbackHandler.Handle)
		})

		api.Route("/cart", cartHandler.Routes)
		api.Route("/menu", menuHandler.Routes)

		api.Route("/orders", func(ar chi.Router) {
			ar.Use(server.RequireRole(cfg.Auth, "admin"))
			orderHandler.Routes(ar)
		})
	})

	if err := server.RunHTTPServer(cfg, log, r, server.WithShutdownTimeout(15*time.Second)); err != nil {
		log.Fatalf("http server exited: %v", err)
	}
}
