package api

import (
	"time"

	ledgerHandler "creditledger/api/handlers/ledger"
	"creditledger/internal/auth"
	"creditledger/internal/config"
	"creditledger/internal/ledger"
	"creditledger/internal/metrics"
	"creditledger/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 路由依赖
// 数据库与 Redis 句柄由调用方（main 或测试）注入，api 层不持有进程级单例。
type Deps struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  redis.UniversalClient // 可为 nil
	Logger *zap.Logger
}

// BuildLedgerService 按配置组装积分账本服务
func BuildLedgerService(deps Deps) *ledger.Service {
	registry := ledger.NewCostRegistry(
		ledger.WithCostOverrides(deps.Config.Ledger.Costs),
		ledger.WithSeedCredits(deps.Config.Ledger.UserSeedCredits, deps.Config.Ledger.OrgSeedCredits),
		ledger.WithWarnThreshold(deps.Config.Ledger.WarnThreshold),
	)

	opts := []ledger.ServiceOption{
		ledger.WithLogger(deps.Logger),
	}
	if deps.Redis != nil {
		ttl := time.Duration(deps.Config.Ledger.CacheTTLSeconds) * time.Second
		opts = append(opts, ledger.WithBalanceCache(ledger.NewBalanceCache(deps.Redis, ttl, deps.Logger)))
	}

	return ledger.NewService(deps.DB, registry, opts...)
}

// SetupRouter 组装 HTTP 路由
func SetupRouter(deps Deps) *gin.Engine {
	gin.SetMode(deps.Config.Server.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	// 系统端点
	router.GET("/health", HealthCheck(deps.DB))
	router.GET("/ready", ReadinessCheck(deps.DB))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ledgerSvc := BuildLedgerService(deps)
	jwtSvc := auth.NewJWTService(deps.Config.Auth.JWTSecret, deps.Config.Auth.Issuer, deps.Redis)

	RegisterLedgerRoutes(router, ledgerSvc, jwtSvc)

	return router
}

// RegisterLedgerRoutes 注册账本路由
// 独立出来方便 HTTP 测试直接挂到裸 gin.Engine 上。
func RegisterLedgerRoutes(router *gin.Engine, svc *ledger.Service, jwtSvc *auth.JWTService) {
	h := ledgerHandler.NewHandler(svc)

	group := router.Group("/api/ledger")
	group.Use(auth.AuthMiddleware(jwtSvc))
	{
		group.GET("/balance", h.GetBalance)
		group.POST("/validate", h.Validate)
		group.POST("/debit", h.Debit)
		group.POST("/refund", h.Refund)
		group.GET("/records", h.ListRecords)
		group.GET("/records/export", h.ExportRecords)

		// 发放积分需要管理员角色
		group.POST("/grant", auth.RequireRole("admin"), h.Grant)
	}
}
