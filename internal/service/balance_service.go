package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"canteenpay/internal/model"
	"canteenpay/internal/repository"
	"canteenpay/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidAmount = errors.New("金额必须大于0")
)

// MutationResult 一次余额变动的结果
type MutationResult struct {
	TransactionNo string `json:"transaction_no"`
	AccountID     int64  `json:"account_id"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	NewVersion    int    `json:"new_version"`
	Replayed      bool   `json:"replayed"` // 业务单号已入账，本次为幂等重放
}

// BalanceService 余额变更器，系统里唯一的主账户余额写入路径
//
// 每次成功变动在一个数据库事务内完成"条件更新余额+版本"和"追加一条流水"，
// 乐观锁冲突在内部有界重试（对调用方不可见），重试耗尽返回 ErrOptimisticLock，
// 由调用方决定上抛还是登记补偿
type BalanceService struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	ledgerRepo  *repository.LedgerRepository
	maxRetries  int
}

func NewBalanceService(db *gorm.DB, maxRetries int) *BalanceService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &BalanceService{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		maxRetries:  maxRetries,
	}
}

// Deduct 扣款。amount 为正数（分）
func (s *BalanceService) Deduct(ctx context.Context, accountID, amount int64, businessNo, bizType, remark string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, accountID, -amount, businessNo, bizType, remark)
}

// Credit 入账。amount 为正数（分）
func (s *BalanceService) Credit(ctx context.Context, accountID, amount int64, businessNo, bizType, remark string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.mutate(ctx, accountID, amount, businessNo, bizType, remark)
}

// mutate 乐观锁有界重试的条件变更，delta 带符号
func (s *BalanceService) mutate(ctx context.Context, accountID, delta int64, businessNo, bizType, remark string) (*MutationResult, error) {
	// 幂等重放：业务单号已有流水，直接返回当时的结果，不产生新流水
	if existing, err := s.ledgerRepo.GetByBusinessNo(ctx, businessNo); err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	} else if existing != nil {
		return replayResult(existing), nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		account, err := s.accountRepo.GetByAccountID(ctx, accountID)
		if err != nil {
			return nil, err
		}

		// 状态校验：冻结只拦扣款，注销两个方向都拦
		if account.Status == model.AccountStatusClosed {
			return nil, repository.ErrAccountClosed
		}
		if delta < 0 && account.Status != model.AccountStatusNormal {
			return nil, repository.ErrAccountFrozen
		}
		if delta < 0 && account.Headroom() < -delta {
			return nil, repository.ErrBalanceNotEnough
		}

		entry := &model.LedgerEntry{
			TransactionNo:  idgen.GenerateTransactionNo(),
			BusinessNo:     businessNo,
			AccountID:      accountID,
			AccountKind:    model.AccountKindMain,
			Amount:         delta,
			BalanceBefore:  account.Balance,
			BalanceAfter:   account.Balance + delta,
			AppliedVersion: account.Version + 1,
			BizType:        bizType,
			Remark:         remark,
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if delta < 0 {
				if err := s.accountRepo.Deduct(ctx, tx, accountID, -delta, account.Version); err != nil {
					return err
				}
			} else {
				if err := s.accountRepo.Credit(ctx, tx, accountID, delta, account.Version); err != nil {
					return err
				}
			}
			return s.ledgerRepo.Create(ctx, tx, entry)
		})

		if err == nil {
			return &MutationResult{
				TransactionNo: entry.TransactionNo,
				AccountID:     accountID,
				BalanceBefore: entry.BalanceBefore,
				BalanceAfter:  entry.BalanceAfter,
				NewVersion:    entry.AppliedVersion,
			}, nil
		}

		if errors.Is(err, repository.ErrOptimisticLock) {
			lastErr = err
			continue
		}

		// 并发写入同一业务单号：流水唯一索引兜底，回查后按重放返回
		if existing, qerr := s.ledgerRepo.GetByBusinessNo(ctx, businessNo); qerr == nil && existing != nil {
			return replayResult(existing), nil
		}

		return nil, err
	}

	log.Printf("[余额变更] 乐观锁重试耗尽: accountID=%d, delta=%d, businessNo=%s", accountID, delta, businessNo)
	return nil, lastErr
}

func replayResult(entry *model.LedgerEntry) *MutationResult {
	return &MutationResult{
		TransactionNo: entry.TransactionNo,
		AccountID:     entry.AccountID,
		BalanceBefore: entry.BalanceBefore,
		BalanceAfter:  entry.BalanceAfter,
		NewVersion:    entry.AppliedVersion,
		Replayed:      true,
	}
}

// GetAccount 查询账户
func (s *BalanceService) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return s.accountRepo.GetByAccountID(ctx, accountID)
}

// GetAccountByUserID 按用户查询主账户
func (s *BalanceService) GetAccountByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetByUserID(ctx, userID)
}

// OpenAccount 开户（首次充值时由充值链路调用）
func (s *BalanceService) OpenAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetOrCreateByUserID(ctx, userID, idgen.NextID())
}

// FreezeAccount 冻结账户：扣款被拒绝，入账仍然允许
func (s *BalanceService) FreezeAccount(ctx context.Context, accountID int64) error {
	return s.accountRepo.UpdateStatus(ctx, accountID, model.AccountStatusNormal, model.AccountStatusFrozen)
}

// UnfreezeAccount 解冻账户
func (s *BalanceService) UnfreezeAccount(ctx context.Context, accountID int64) error {
	return s.accountRepo.UpdateStatus(ctx, accountID, model.AccountStatusFrozen, model.AccountStatusNormal)
}

// CloseAccount 注销账户，余额和冻结金额必须都为零
func (s *BalanceService) CloseAccount(ctx context.Context, accountID int64) error {
	account, err := s.accountRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Balance != 0 || account.FrozenAmount != 0 {
		return errors.New("账户余额不为零，无法注销")
	}
	return s.accountRepo.UpdateStatus(ctx, accountID, account.Status, model.AccountStatusClosed)
}

// ListLedger 查询账户流水
func (s *BalanceService) ListLedger(ctx context.Context, accountID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	return s.ledgerRepo.ListByAccountID(ctx, accountID, page, pageSize)
}
