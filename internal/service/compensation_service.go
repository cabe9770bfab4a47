package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"canteenpay/internal/model"
	"canteenpay/internal/remote"
	"canteenpay/internal/repository"

	"gorm.io/gorm"
)

// CompensationService 余额补偿登记与重放
//
// 远端余额操作失败而本地意图已落库时，调用 Enqueue 把这笔操作持久化成
// 补偿记录；调用进程崩溃也不会丢失重试义务。补偿任务周期性调用 Execute
// 重放，幂等性靠 business_no：重放前先查流水，远端也按单号去重
type CompensationService struct {
	db               *gorm.DB
	compensationRepo *repository.CompensationRepository
	ledgerRepo       *repository.LedgerRepository
	balanceService   *BalanceService
	subsidyService   *SubsidyService
	accountClient    remote.AccountClient
	remoteEnabled    bool
}

func NewCompensationService(db *gorm.DB, balanceService *BalanceService, subsidyService *SubsidyService, accountClient remote.AccountClient, remoteEnabled bool) *CompensationService {
	return &CompensationService{
		db:               db,
		compensationRepo: repository.NewCompensationRepository(db),
		ledgerRepo:       repository.NewLedgerRepository(db),
		balanceService:   balanceService,
		subsidyService:   subsidyService,
		accountClient:    accountClient,
		remoteEnabled:    remoteEnabled,
	}
}

// Enqueue 登记补偿记录，立即可被下一轮补偿任务拾取
func (s *CompensationService) Enqueue(ctx context.Context, tx *gorm.DB, rec *model.CompensationRecord) error {
	if rec.Status == "" {
		rec.Status = model.CompensationStatusPending
	}
	if rec.NextRetryTime.IsZero() {
		rec.NextRetryTime = time.Now()
	}
	if err := s.compensationRepo.Create(ctx, tx, rec); err != nil {
		return fmt.Errorf("登记补偿记录失败: %w", err)
	}
	log.Printf("[补偿登记] businessNo=%s, accountID=%d, amount=%d, direction=%s",
		rec.BusinessNo, rec.AccountID, rec.Amount, rec.Direction)
	return nil
}

// Execute 重放一条补偿记录的余额操作
// 返回 nil 表示这笔业务已确定入账（本次成功或此前已成功）
func (s *CompensationService) Execute(ctx context.Context, rec *model.CompensationRecord) error {
	// 去重：流水里已有该单号，说明上次执行在"入账成功"与"标记完成"之间崩溃
	if existing, err := s.ledgerRepo.GetByBusinessNo(ctx, rec.BusinessNo); err != nil {
		return fmt.Errorf("查询流水失败: %w", err)
	} else if existing != nil {
		return nil
	}

	// 补贴池只存在于本地库，即使余额托管在远端也走本地入账
	if rec.AccountKind == model.AccountKindSubsidy {
		return s.executeLocal(ctx, rec)
	}

	if s.remoteEnabled && s.accountClient != nil {
		return s.executeRemote(ctx, rec)
	}
	return s.executeLocal(ctx, rec)
}

func (s *CompensationService) executeRemote(ctx context.Context, rec *model.CompensationRecord) error {
	req := &remote.BalanceChangeRequest{
		UserID:     rec.UserID,
		Amount:     rec.Amount,
		BizType:    rec.BizType,
		BusinessNo: rec.BusinessNo,
		Remark:     rec.Remark,
	}

	var err error
	if rec.Direction == model.CompensationDirectionIncrease {
		_, err = s.accountClient.IncreaseBalance(ctx, req)
	} else {
		_, err = s.accountClient.DecreaseBalance(ctx, req)
	}
	return err
}

func (s *CompensationService) executeLocal(ctx context.Context, rec *model.CompensationRecord) error {
	if rec.AccountKind == model.AccountKindSubsidy {
		// 补贴账户只有入账补偿（消费回补），account_id 即补贴池ID
		if rec.Direction != model.CompensationDirectionIncrease {
			return fmt.Errorf("补贴账户不支持 %s 方向的补偿: businessNo=%s", rec.Direction, rec.BusinessNo)
		}
		return s.subsidyService.creditPool(ctx, rec.AccountID, rec.Amount, rec.BusinessNo, rec.Remark)
	}

	var err error
	if rec.Direction == model.CompensationDirectionIncrease {
		_, err = s.balanceService.Credit(ctx, rec.AccountID, rec.Amount, rec.BusinessNo, rec.BizType, rec.Remark)
	} else {
		_, err = s.balanceService.Deduct(ctx, rec.AccountID, rec.Amount, rec.BusinessNo, rec.BizType, rec.Remark)
	}
	return err
}

// CompensationStats 补偿管道运行状态
type CompensationStats struct {
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
}

// Stats 供运维端探测管道是否卡死
func (s *CompensationService) Stats(ctx context.Context) (*CompensationStats, error) {
	pending, err := s.compensationRepo.CountByStatus(ctx, model.CompensationStatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := s.compensationRepo.CountByStatus(ctx, model.CompensationStatusFailed)
	if err != nil {
		return nil, err
	}
	return &CompensationStats{Pending: pending, Failed: failed}, nil
}

// ListFailed 重试耗尽、等待人工介入的补偿记录
func (s *CompensationService) ListFailed(ctx context.Context, limit int) ([]*model.CompensationRecord, error) {
	return s.compensationRepo.ListFailed(ctx, limit)
}
