package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/handler"
	"canteenpay/internal/infrastructure/cache"
	"canteenpay/internal/infrastructure/database"
	"canteenpay/internal/infrastructure/mq"
	"canteenpay/internal/job"
	"canteenpay/internal/remote"
	"canteenpay/internal/service"
	"canteenpay/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 组装服务
	var accountClient remote.AccountClient
	if cfg.Remote.Enabled {
		accountClient = remote.NewHTTPAccountClient(&cfg.Remote)
		log.Printf("远端账户服务已启用: %s", cfg.Remote.BaseURL)
	}

	balanceService := service.NewBalanceService(db, cfg.Business.MutateMaxRetries)
	subsidyService := service.NewSubsidyService(db, cfg.Business.MutateMaxRetries)
	compensationService := service.NewCompensationService(db, balanceService, subsidyService, accountClient, cfg.Remote.Enabled)
	offlineService := service.NewOfflineService(db, balanceService, cfg.Business.OfflineMaxRetries)

	// 启动后台任务
	compensationJob := job.NewCompensationJob(db, compensationService, cfg)
	go compensationJob.Start(ctx)

	offlineSyncJob := job.NewOfflineSyncJob(offlineService, cfg)
	go offlineSyncJob.Start(ctx)

	subsidyExpireJob := job.NewSubsidyExpireJob(db, cfg)
	go subsidyExpireJob.Start(ctx)

	// 离线记录的 Kafka 接收通道
	offlineConsumer, err := mq.NewOfflineUploadConsumer(&cfg.Kafka, func(ctx context.Context, payload []byte) error {
		var uploads []*service.OfflineRecordUpload
		if err := json.Unmarshal(payload, &uploads); err != nil {
			// 坏消息直接吸收，重投也不会变好
			log.Printf("离线上传消息解析失败: %v", err)
			return nil
		}
		_, err := offlineService.Ingest(ctx, uploads)
		return err
	})
	if err != nil {
		log.Fatalf("创建离线上传消费者失败: %v", err)
	}
	defer offlineConsumer.Close()
	go offlineConsumer.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
