package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/model"
	"canteenpay/internal/repository"
	"canteenpay/pkg/idgen"

	"gorm.io/gorm"
)

// SubsidyExpireJob 过期补贴冲销任务
//
// 分配器查询本身带 expire_time 条件，过期池即使状态还是 ACTIVE 也
// 分不出去；这个任务是账面清理：把到期池的余额冲销掉并落一条
// SUBSIDY_WRITE_OFF 流水，让账户总账能对上
type SubsidyExpireJob struct {
	db          *gorm.DB
	subsidyRepo *repository.SubsidyRepository
	ledgerRepo  *repository.LedgerRepository
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewSubsidyExpireJob(db *gorm.DB, cfg *config.Config) *SubsidyExpireJob {
	interval := cfg.Business.SubsidyExpireInterval
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := cfg.Business.SubsidyExpireBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &SubsidyExpireJob{
		db:          db,
		subsidyRepo: repository.NewSubsidyRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   batchSize,
	}
}

func (j *SubsidyExpireJob) Start(ctx context.Context) {
	log.Println("[SubsidyExpireJob] 过期补贴冲销任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SubsidyExpireJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SubsidyExpireJob] 任务停止")
			return
		case <-ticker.C:
			j.WriteOffExpired(ctx)
		}
	}
}

func (j *SubsidyExpireJob) Stop() {
	close(j.stopCh)
}

// WriteOffExpired 冲销一批到期补贴池，返回本批冲销条数
func (j *SubsidyExpireJob) WriteOffExpired(ctx context.Context) int {
	pools, err := j.subsidyRepo.ListExpiredActive(ctx, time.Now(), j.batchSize)
	if err != nil {
		log.Printf("[SubsidyExpireJob] 查询过期补贴失败: %v", err)
		return 0
	}

	if len(pools) == 0 {
		return 0
	}

	log.Printf("[SubsidyExpireJob] 发现 %d 个到期补贴池", len(pools))

	written := 0
	for _, pool := range pools {
		if err := j.writeOffOne(ctx, pool); err != nil {
			// 版本冲突说明有并发扣减刚改过这个池子，下一轮按新版本重试
			log.Printf("[SubsidyExpireJob] 冲销失败: subsidyAccountID=%d, err=%v", pool.SubsidyAccountID, err)
			continue
		}
		written++
	}

	log.Printf("[SubsidyExpireJob] 本轮冲销 %d 个补贴池", written)
	return written
}

// writeOffOne 冲销单个补贴池：余额清零 + 冲销流水在同一个事务里
func (j *SubsidyExpireJob) writeOffOne(ctx context.Context, pool *model.SubsidyAccount) error {
	return j.db.Transaction(func(tx *gorm.DB) error {
		if err := j.subsidyRepo.WriteOff(ctx, tx, pool.SubsidyAccountID, pool.Version); err != nil {
			return err
		}

		// 余额为零的池子只改状态，不落流水
		if pool.Balance == 0 {
			return nil
		}

		entry := &model.LedgerEntry{
			TransactionNo: idgen.GenerateWriteOffNo(),
			BusinessNo:    fmt.Sprintf("SWO-%d-%d", pool.SubsidyAccountID, pool.Version),
			AccountID:     pool.SubsidyAccountID,
			AccountKind:   model.AccountKindSubsidy,
			Amount:        -pool.Balance,
			BalanceBefore: pool.Balance,
			BalanceAfter:  0,
			BizType:       model.BizTypeSubsidyWriteOff,
			Remark:        fmt.Sprintf("补贴到期冲销-类型%d", pool.SubsidyTypeID),
		}
		if err := j.ledgerRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("记录冲销流水失败: %w", err)
		}

		log.Printf("[SubsidyExpireJob] 冲销成功: subsidyAccountID=%d, userID=%d, amount=%d",
			pool.SubsidyAccountID, pool.UserID, pool.Balance)
		return nil
	})
}
