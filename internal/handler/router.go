package handler

import (
	"canteenpay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/open", h.OpenAccount)
			account.POST("/status", h.ChangeAccountStatus)
			account.POST("/recharge", h.Recharge)
			account.GET("/transactions", h.ListTransactions)
		}

		// 消费相关
		consume := api.Group("/consume")
		{
			consume.POST("/execute", h.Consume)
		}

		// 退款相关
		refund := api.Group("/refund")
		{
			refund.POST("/execute", h.Refund)
		}

		// 补贴相关
		subsidy := api.Group("/subsidy")
		{
			subsidy.GET("/list", h.ListSubsidies)
			subsidy.POST("/grant", h.GrantSubsidy)
		}

		// 离线对账相关
		offline := api.Group("/offline")
		{
			offline.POST("/upload", h.UploadOffline)
			offline.GET("/conflicts", h.ListOfflineConflicts)
			offline.GET("/stats", h.OfflineStats)
		}

		// 终端设备相关
		device := api.Group("/device")
		{
			device.POST("/register", h.RegisterDevice)
			device.POST("/status", h.SetDeviceStatus)
		}

		// 运维相关
		compensation := api.Group("/compensation")
		{
			compensation.GET("/stats", h.CompensationStats)
			compensation.GET("/failed", h.ListFailedCompensations)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
