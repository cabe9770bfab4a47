package job

import (
	"context"
	"log"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/service"
)

// OfflineSyncJob 离线消费入账任务
// 周期调用对账服务处理 PENDING 记录，处理语义全部在服务层，
// 这里只负责节拍和生命周期
type OfflineSyncJob struct {
	offlineService *service.OfflineService
	stopCh         chan struct{}
	interval       time.Duration
	batchSize      int
	staleAfter     time.Duration
}

func NewOfflineSyncJob(offlineService *service.OfflineService, cfg *config.Config) *OfflineSyncJob {
	interval := cfg.Business.OfflineSyncInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	batchSize := cfg.Business.OfflineBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	staleAfter := cfg.Business.OfflineStaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &OfflineSyncJob{
		offlineService: offlineService,
		stopCh:         make(chan struct{}),
		interval:       interval,
		batchSize:      batchSize,
		staleAfter:     staleAfter,
	}
}

func (j *OfflineSyncJob) Start(ctx context.Context) {
	log.Println("[OfflineSyncJob] 离线入账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OfflineSyncJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OfflineSyncJob] 任务停止")
			return
		case <-ticker.C:
			// 先回捞崩溃实例留下的 SYNCING 记录，本轮就能重新入队处理
			if requeued, err := j.offlineService.RequeueStale(ctx, j.staleAfter, j.batchSize); err != nil {
				log.Printf("[OfflineSyncJob] 回捞僵死记录失败: %v", err)
			} else if requeued > 0 {
				log.Printf("[OfflineSyncJob] 回捞 %d 条僵死记录", requeued)
			}

			processed, err := j.offlineService.ProcessPending(ctx, j.batchSize)
			if err != nil {
				log.Printf("[OfflineSyncJob] 处理离线记录失败: %v", err)
				continue
			}
			if processed > 0 {
				log.Printf("[OfflineSyncJob] 本轮处理 %d 条离线记录", processed)
			}
		}
	}
}

func (j *OfflineSyncJob) Stop() {
	close(j.stopCh)
}
