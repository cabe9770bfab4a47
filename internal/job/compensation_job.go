package job

import (
	"context"
	"log"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/model"
	"canteenpay/internal/repository"
	"canteenpay/internal/service"

	"gorm.io/gorm"
)

// CompensationJob 余额补偿任务
//
// 周期扫描到期的 PENDING 补偿记录逐条重放。退避是线性封顶的：
// 第 n 次失败后等待 base*(n+1)，上限 cap，next_retry_time 严格递增，
// 保证同一条记录不会被连续轮次反复打到故障的远端上
type CompensationJob struct {
	db                  *gorm.DB
	compensationRepo    *repository.CompensationRepository
	compensationService *service.CompensationService
	cfg                 *config.Config
	stopCh              chan struct{}
	interval            time.Duration
	batchSize           int
}

func NewCompensationJob(db *gorm.DB, compensationService *service.CompensationService, cfg *config.Config) *CompensationJob {
	interval := cfg.Business.CompensationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := cfg.Business.CompensationBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CompensationJob{
		db:                  db,
		compensationRepo:    repository.NewCompensationRepository(db),
		compensationService: compensationService,
		cfg:                 cfg,
		stopCh:              make(chan struct{}),
		interval:            interval,
		batchSize:           batchSize,
	}
}

func (j *CompensationJob) Start(ctx context.Context) {
	log.Println("[CompensationJob] 余额补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CompensationJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CompensationJob] 任务停止")
			return
		case <-ticker.C:
			j.ProcessDue(ctx)
		}
	}
}

func (j *CompensationJob) Stop() {
	close(j.stopCh)
}

// ProcessDue 处理一批到期的补偿记录，返回本批条数
func (j *CompensationJob) ProcessDue(ctx context.Context) int {
	records, err := j.compensationRepo.ListDue(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[CompensationJob] 查询到期补偿记录失败: %v", err)
		return 0
	}

	if len(records) == 0 {
		return 0
	}

	log.Printf("[CompensationJob] 发现 %d 条到期补偿记录", len(records))

	for _, rec := range records {
		j.executeOne(ctx, rec)
	}
	return len(records)
}

func (j *CompensationJob) executeOne(ctx context.Context, rec *model.CompensationRecord) {
	err := j.compensationService.Execute(ctx, rec)

	if err == nil {
		if markErr := j.compensationRepo.MarkCompleted(ctx, rec.ID); markErr != nil {
			log.Printf("[CompensationJob] 标记完成失败: businessNo=%s, err=%v", rec.BusinessNo, markErr)
		} else {
			log.Printf("[CompensationJob] 补偿成功: businessNo=%s, accountID=%d, amount=%d",
				rec.BusinessNo, rec.AccountID, rec.Amount)
		}
		return
	}

	newCount := rec.RetryCount + 1
	if newCount >= rec.MaxRetryCount {
		if markErr := j.compensationRepo.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			log.Printf("[CompensationJob] 标记失败状态失败: businessNo=%s, err=%v", rec.BusinessNo, markErr)
		} else {
			log.Printf("[CompensationJob] 重试耗尽，转人工处理: businessNo=%s, retries=%d, err=%v",
				rec.BusinessNo, newCount, err)
		}
		return
	}

	nextRetryTime := time.Now().Add(j.backoff(newCount))
	if markErr := j.compensationRepo.MarkRetry(ctx, rec.ID, nextRetryTime, err.Error()); markErr != nil {
		log.Printf("[CompensationJob] 更新重试时间失败: businessNo=%s, err=%v", rec.BusinessNo, markErr)
		return
	}
	log.Printf("[CompensationJob] 补偿失败待重试: businessNo=%s, retry=%d/%d, next=%s, err=%v",
		rec.BusinessNo, newCount, rec.MaxRetryCount, nextRetryTime.Format(time.RFC3339), err)
}

// backoff 第 n 次失败后的等待时长：base*(n+1)，封顶 cap
func (j *CompensationJob) backoff(retryCount int) time.Duration {
	base := j.cfg.Business.CompensationBackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	cap := j.cfg.Business.CompensationBackoffCap
	if cap <= 0 {
		cap = 10 * time.Minute
	}

	wait := base * time.Duration(retryCount+1)
	if wait > cap {
		wait = cap
	}
	return wait
}
