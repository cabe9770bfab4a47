package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"canteenpay/internal/model"
	"canteenpay/internal/repository"

	"gorm.io/gorm"
)

// OfflineService 离线消费对账
//
// 终端脱机期间本地记账，恢复联网后批量上传。接收按 offline_trans_no
// 去重落库，入账由后台任务按到达顺序逐条处理：校验通过走统一的余额
// 变更路径（offline_trans_no 兼作流水幂等键），校验不过标 CONFLICT
// 留给人工，瞬时失败退回 PENDING 重试直到次数耗尽
type OfflineService struct {
	db             *gorm.DB
	offlineRepo    *repository.OfflineRepository
	accountRepo    *repository.AccountRepository
	deviceRepo     *repository.DeviceRepository
	balanceService *BalanceService
	maxRetries     int
}

func NewOfflineService(db *gorm.DB, balanceService *BalanceService, maxRetries int) *OfflineService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OfflineService{
		db:             db,
		offlineRepo:    repository.NewOfflineRepository(db),
		accountRepo:    repository.NewAccountRepository(db),
		deviceRepo:     repository.NewDeviceRepository(db),
		balanceService: balanceService,
		maxRetries:     maxRetries,
	}
}

// OfflineRecordUpload 终端上传的单条离线记录
type OfflineRecordUpload struct {
	OfflineTransNo string    `json:"offline_trans_no" binding:"required"`
	AccountID      int64     `json:"account_id" binding:"required"`
	DeviceID       string    `json:"device_id" binding:"required"`
	Amount         int64     `json:"amount" binding:"required,gt=0"` // 分
	DeviceTime     time.Time `json:"device_time" binding:"required"`
}

// IngestResult 一批上传的接收结果
type IngestResult struct {
	Accepted   int `json:"accepted"`   // 新落库条数
	Duplicated int `json:"duplicated"` // 重复上传，静默吸收
	Rejected   int `json:"rejected"`   // 字段非法
}

// Ingest 接收一批离线记录，逐条按交易号去重落库
// 重复上传（终端重传整包是常态）不算错误，静默计数
func (s *OfflineService) Ingest(ctx context.Context, uploads []*OfflineRecordUpload) (*IngestResult, error) {
	result := &IngestResult{}
	for _, up := range uploads {
		if up.OfflineTransNo == "" || up.Amount <= 0 {
			result.Rejected++
			continue
		}
		rec := &model.OfflineConsumeRecord{
			OfflineTransNo: up.OfflineTransNo,
			AccountID:      up.AccountID,
			DeviceID:       up.DeviceID,
			Amount:         up.Amount,
			DeviceTime:     up.DeviceTime,
			SyncStatus:     model.OfflineSyncStatusPending,
			ConflictType:   model.ConflictTypeNone,
		}
		inserted, err := s.offlineRepo.InsertIgnore(ctx, rec)
		if err != nil {
			return result, fmt.Errorf("离线记录落库失败: transNo=%s: %w", up.OfflineTransNo, err)
		}
		if inserted {
			result.Accepted++
		} else {
			result.Duplicated++
		}
	}
	log.Printf("[离线接收] 新增=%d, 重复=%d, 拒绝=%d", result.Accepted, result.Duplicated, result.Rejected)
	return result, nil
}

// ProcessPending 处理一批待入账的离线记录，返回本批处理条数
// 单条失败不中断批次，逐条认领保证多实例并行时不会重复处理
func (s *OfflineService) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	records, err := s.offlineRepo.ListPending(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询待处理离线记录失败: %w", err)
	}

	processed := 0
	for _, rec := range records {
		claimed, err := s.offlineRepo.ClaimSyncing(ctx, rec.ID)
		if err != nil {
			log.Printf("[离线同步] 认领失败: transNo=%s, err=%v", rec.OfflineTransNo, err)
			continue
		}
		if !claimed {
			// 被其他实例抢走
			continue
		}
		s.processOne(ctx, rec)
		processed++
	}
	return processed, nil
}

// processOne 处理单条已认领的记录
//
// 校验顺序固定：账户 -> 设备 -> 余额。前两项是记录本身的硬伤，
// 余额不足按上传时点的当前余额判定（离线期间账户可能又被线上扣过）
func (s *OfflineService) processOne(ctx context.Context, rec *model.OfflineConsumeRecord) {
	// 账户校验
	account, err := s.accountRepo.GetByAccountID(ctx, rec.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.markConflict(ctx, rec, model.ConflictTypeAccount, "账户不存在")
			return
		}
		s.retryOrFail(ctx, rec, fmt.Sprintf("查询账户失败: %v", err))
		return
	}
	if account.Status != model.AccountStatusNormal {
		s.markConflict(ctx, rec, model.ConflictTypeAccount, fmt.Sprintf("账户状态异常: %s", account.Status))
		return
	}

	// 设备校验
	device, err := s.deviceRepo.GetByDeviceID(ctx, rec.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			s.markConflict(ctx, rec, model.ConflictTypeDevice, "设备未登记")
			return
		}
		s.retryOrFail(ctx, rec, fmt.Sprintf("查询设备失败: %v", err))
		return
	}
	if device.Status != model.DeviceStatusEnabled {
		s.markConflict(ctx, rec, model.ConflictTypeDevice, "设备已停用")
		return
	}

	// 余额校验 + 入账，offline_trans_no 兼作流水幂等键
	result, err := s.balanceService.Deduct(ctx, rec.AccountID, rec.Amount,
		rec.OfflineTransNo, model.BizTypeConsume, fmt.Sprintf("离线消费-%s", rec.DeviceID))
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			s.markConflict(ctx, rec, model.ConflictTypeBalance, "当前余额不足")
			return
		}
		if errors.Is(err, repository.ErrAccountFrozen) || errors.Is(err, repository.ErrAccountClosed) {
			s.markConflict(ctx, rec, model.ConflictTypeAccount, fmt.Sprintf("账户状态异常: %v", err))
			return
		}
		// 乐观锁耗尽、数据库抖动等瞬时失败
		s.retryOrFail(ctx, rec, fmt.Sprintf("入账失败: %v", err))
		return
	}

	if err := s.offlineRepo.MarkSynced(ctx, rec.ID, result.TransactionNo); err != nil {
		// 入账已完成，记录停留在 SYNCING，等僵死回捞退回后因幂等重放补上标记
		log.Printf("[离线同步] 标记成功失败: transNo=%s, err=%v", rec.OfflineTransNo, err)
		return
	}
	log.Printf("[离线同步] 入账成功: transNo=%s, accountID=%d, amount=%d, txnNo=%s",
		rec.OfflineTransNo, rec.AccountID, rec.Amount, result.TransactionNo)
}

// RequeueStale 回捞停在 SYNCING 的僵死记录，返回本批回捞条数
//
// 认领后崩溃的实例不会再回来收尾，记录会永远停在 SYNCING，被
// ListPending 和冲突查询同时漏掉。超时即视为瞬时失败，走统一的
// 退回/耗尽路径：已实际入账的记录重放时按 offline_trans_no 幂等去重
func (s *OfflineService) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	records, err := s.offlineRepo.ListStaleSyncing(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("查询僵死离线记录失败: %w", err)
	}

	for _, rec := range records {
		s.retryOrFail(ctx, rec, "处理超时，疑似实例崩溃")
	}
	if len(records) > 0 {
		log.Printf("[离线同步] 回捞僵死记录: count=%d", len(records))
	}
	return len(records), nil
}

// markConflict 校验冲突是终态，不重试，等待人工处理
func (s *OfflineService) markConflict(ctx context.Context, rec *model.OfflineConsumeRecord, conflictType, reason string) {
	if err := s.offlineRepo.MarkConflict(ctx, rec.ID, conflictType, reason); err != nil {
		log.Printf("[离线同步] 标记冲突失败: transNo=%s, err=%v", rec.OfflineTransNo, err)
		return
	}
	log.Printf("[离线同步] 冲突: transNo=%s, type=%s, reason=%s", rec.OfflineTransNo, conflictType, reason)
}

// retryOrFail 瞬时失败退回 PENDING，重试次数耗尽转 FAILED
func (s *OfflineService) retryOrFail(ctx context.Context, rec *model.OfflineConsumeRecord, reason string) {
	if rec.RetryCount+1 >= s.maxRetries {
		if err := s.offlineRepo.MarkFailed(ctx, rec.ID, reason); err != nil {
			log.Printf("[离线同步] 标记失败失败: transNo=%s, err=%v", rec.OfflineTransNo, err)
		}
		log.Printf("[离线同步] 重试耗尽: transNo=%s, reason=%s", rec.OfflineTransNo, reason)
		return
	}
	if err := s.offlineRepo.ReturnPending(ctx, rec.ID, reason); err != nil {
		log.Printf("[离线同步] 退回待处理失败: transNo=%s, err=%v", rec.OfflineTransNo, err)
		return
	}
	log.Printf("[离线同步] 瞬时失败退回重试: transNo=%s, retry=%d, reason=%s", rec.OfflineTransNo, rec.RetryCount+1, reason)
}

// ListConflicts 分页查询冲突和失败记录，供人工核对
func (s *OfflineService) ListConflicts(ctx context.Context, page, pageSize int) ([]*model.OfflineConsumeRecord, int64, error) {
	return s.offlineRepo.ListConflicts(ctx, page, pageSize)
}

// OfflineStats 离线管道各状态计数
type OfflineStats struct {
	Pending  int64 `json:"pending"`
	Syncing  int64 `json:"syncing"`
	Synced   int64 `json:"synced"`
	Conflict int64 `json:"conflict"`
	Failed   int64 `json:"failed"`
}

func (s *OfflineService) Stats(ctx context.Context) (*OfflineStats, error) {
	stats := &OfflineStats{}
	var err error
	if stats.Pending, err = s.offlineRepo.CountByStatus(ctx, model.OfflineSyncStatusPending); err != nil {
		return nil, err
	}
	if stats.Syncing, err = s.offlineRepo.CountByStatus(ctx, model.OfflineSyncStatusSyncing); err != nil {
		return nil, err
	}
	if stats.Synced, err = s.offlineRepo.CountByStatus(ctx, model.OfflineSyncStatusSynced); err != nil {
		return nil, err
	}
	if stats.Conflict, err = s.offlineRepo.CountByStatus(ctx, model.OfflineSyncStatusConflict); err != nil {
		return nil, err
	}
	if stats.Failed, err = s.offlineRepo.CountByStatus(ctx, model.OfflineSyncStatusFailed); err != nil {
		return nil, err
	}
	return stats, nil
}

// RegisterDevice 登记/更新终端设备
func (s *OfflineService) RegisterDevice(ctx context.Context, deviceID, name string) error {
	return s.deviceRepo.Register(ctx, &model.Device{
		DeviceID: deviceID,
		Name:     name,
		Status:   model.DeviceStatusEnabled,
	})
}

// SetDeviceStatus 启用/停用终端设备
func (s *OfflineService) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	if status != model.DeviceStatusEnabled && status != model.DeviceStatusDisabled {
		return fmt.Errorf("非法的设备状态: %s", status)
	}
	return s.deviceRepo.UpdateStatus(ctx, deviceID, status)
}
