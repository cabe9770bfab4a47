package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"canteenpay/internal/model"
	"canteenpay/internal/repository"
	"canteenpay/pkg/idgen"

	"gorm.io/gorm"
)

// SubsidyAllocation 一次分配中对单个补贴账户的扣减
type SubsidyAllocation struct {
	SubsidyAccountID int64  `json:"subsidy_account_id"`
	AmountUsed       int64  `json:"amount_used"`
	TransactionNo    string `json:"transaction_no"`
}

// AllocationResult 补贴分配结果
// Remainder > 0 表示补贴余额不足以覆盖请求金额，由调用方决定是否回落主账户
type AllocationResult struct {
	Allocations []SubsidyAllocation `json:"allocations"`
	Remainder   int64               `json:"remainder"`
}

// SubsidyService 补贴分配器
//
// 分配策略：先过期先用（expire_time 升序），同过期时间按 priority 升序，
// 再按 subsidy_account_id 升序，贪心逐个扣减直到满足金额或池子耗尽。
//
// 跨多个补贴账户的分配不是原子的：前面的池子扣成功、后面的步骤失败时，
// 已扣的池子保持已扣状态，由调用方通过 RefundAllocations 回退，
// 回退再失败则登记补偿记录走异步管道
type SubsidyService struct {
	db          *gorm.DB
	subsidyRepo *repository.SubsidyRepository
	ledgerRepo  *repository.LedgerRepository
	maxRetries  int
}

func NewSubsidyService(db *gorm.DB, maxRetries int) *SubsidyService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SubsidyService{
		db:          db,
		subsidyRepo: repository.NewSubsidyRepository(db),
		ledgerRepo:  repository.NewLedgerRepository(db),
		maxRetries:  maxRetries,
	}
}

// Allocate 为一笔消费从补贴账户贪心扣减
// businessNo 是这笔消费的业务单号；每个池子的流水单号派生为 <businessNo>-S<池ID>，
// 重放时逐池命中流水去重，不会重复扣减
func (s *SubsidyService) Allocate(ctx context.Context, userID, amount int64, businessNo, remark string) (*AllocationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	pools, err := s.subsidyRepo.ListAllocatable(ctx, userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("查询补贴账户失败: %w", err)
	}

	result := &AllocationResult{Remainder: amount}
	for _, pool := range pools {
		if result.Remainder <= 0 {
			break
		}

		alloc, err := s.deductPool(ctx, pool, result.Remainder, businessNo, remark)
		if err != nil {
			// 单个池子不可用（并发扣空等）不终止整体分配，跳到下一个池子
			if errors.Is(err, repository.ErrBalanceNotEnough) || errors.Is(err, repository.ErrOptimisticLock) {
				log.Printf("[补贴分配] 跳过补贴账户: subsidyAccountID=%d, err=%v", pool.SubsidyAccountID, err)
				continue
			}
			return nil, err
		}
		if alloc == nil {
			continue
		}

		result.Allocations = append(result.Allocations, *alloc)
		result.Remainder -= alloc.AmountUsed
	}

	return result, nil
}

// deductPool 对单个补贴账户做乐观锁有界重试扣减
func (s *SubsidyService) deductPool(ctx context.Context, pool *model.SubsidyAccount, want int64, businessNo, remark string) (*SubsidyAllocation, error) {
	legNo := fmt.Sprintf("%s-S%d", businessNo, pool.SubsidyAccountID)

	// 幂等重放
	if existing, err := s.ledgerRepo.GetByBusinessNo(ctx, legNo); err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	} else if existing != nil {
		return &SubsidyAllocation{
			SubsidyAccountID: pool.SubsidyAccountID,
			AmountUsed:       -existing.Amount,
			TransactionNo:    existing.TransactionNo,
		}, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		use := want
		if pool.Balance < use {
			use = pool.Balance
		}
		if use <= 0 {
			return nil, nil
		}

		entry := &model.LedgerEntry{
			TransactionNo:  idgen.GenerateTransactionNo(),
			BusinessNo:     legNo,
			AccountID:      pool.SubsidyAccountID,
			AccountKind:    model.AccountKindSubsidy,
			Amount:         -use,
			BalanceBefore:  pool.Balance,
			BalanceAfter:   pool.Balance - use,
			AppliedVersion: pool.Version + 1,
			BizType:        model.BizTypeConsume,
			Remark:         remark,
		}

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.subsidyRepo.Deduct(ctx, tx, pool.SubsidyAccountID, use, pool.Version); err != nil {
				return err
			}
			return s.ledgerRepo.Create(ctx, tx, entry)
		})

		if err == nil {
			return &SubsidyAllocation{
				SubsidyAccountID: pool.SubsidyAccountID,
				AmountUsed:       use,
				TransactionNo:    entry.TransactionNo,
			}, nil
		}

		if errors.Is(err, repository.ErrOptimisticLock) || errors.Is(err, repository.ErrBalanceNotEnough) {
			lastErr = err
			// 重读池子再试：余额可能被并发扣掉一部分，缩水后继续扣剩余的
			fresh, rerr := s.subsidyRepo.GetBySubsidyAccountID(ctx, pool.SubsidyAccountID)
			if rerr != nil {
				return nil, rerr
			}
			if fresh.Status != model.SubsidyStatusActive || fresh.Balance <= 0 {
				return nil, repository.ErrBalanceNotEnough
			}
			pool = fresh
			continue
		}

		return nil, err
	}

	return nil, lastErr
}

// RefundAllocations 回退一次分配中已扣的补贴账户
// 后续步骤不可恢复地失败时调用；回退流水单号派生为 <businessNo>-RB<池ID>
func (s *SubsidyService) RefundAllocations(ctx context.Context, allocations []SubsidyAllocation, businessNo, remark string) error {
	for _, alloc := range allocations {
		legNo := fmt.Sprintf("%s-RB%d", businessNo, alloc.SubsidyAccountID)

		if existing, err := s.ledgerRepo.GetByBusinessNo(ctx, legNo); err != nil {
			return err
		} else if existing != nil {
			continue
		}

		if err := s.creditPool(ctx, alloc.SubsidyAccountID, alloc.AmountUsed, legNo, remark); err != nil {
			return fmt.Errorf("回退补贴账户失败: subsidyAccountID=%d: %w", alloc.SubsidyAccountID, err)
		}
	}
	return nil
}

func (s *SubsidyService) creditPool(ctx context.Context, subsidyAccountID, amount int64, businessNo, remark string) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		pool, err := s.subsidyRepo.GetBySubsidyAccountID(ctx, subsidyAccountID)
		if err != nil {
			return err
		}

		entry := &model.LedgerEntry{
			TransactionNo:  idgen.GenerateTransactionNo(),
			BusinessNo:     businessNo,
			AccountID:      subsidyAccountID,
			AccountKind:    model.AccountKindSubsidy,
			Amount:         amount,
			BalanceBefore:  pool.Balance,
			BalanceAfter:   pool.Balance + amount,
			AppliedVersion: pool.Version + 1,
			BizType:        model.BizTypeRefund,
			Remark:         remark,
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.subsidyRepo.Credit(ctx, tx, subsidyAccountID, amount, pool.Version); err != nil {
				return err
			}
			return s.ledgerRepo.Create(ctx, tx, entry)
		})

		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrOptimisticLock) {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// Grant 发放补贴：建池并记一条发放流水
func (s *SubsidyService) Grant(ctx context.Context, userID, subsidyTypeID, amount int64, priority int, expireTime time.Time) (*model.SubsidyAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account := &model.SubsidyAccount{
		SubsidyAccountID: idgen.NextID(),
		UserID:           userID,
		SubsidyTypeID:    subsidyTypeID,
		Balance:          amount,
		Priority:         priority,
		ExpireTime:       expireTime,
		Status:           model.SubsidyStatusActive,
	}

	entry := &model.LedgerEntry{
		TransactionNo:  idgen.GenerateTransactionNo(),
		BusinessNo:     fmt.Sprintf("SUB%d", account.SubsidyAccountID),
		AccountID:      account.SubsidyAccountID,
		AccountKind:    model.AccountKindSubsidy,
		Amount:         amount,
		BalanceBefore:  0,
		BalanceAfter:   amount,
		AppliedVersion: 0,
		BizType:        model.BizTypeSubsidyGrant,
		Remark:         fmt.Sprintf("补贴发放-类型%d", subsidyTypeID),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.subsidyRepo.Create(ctx, tx, account); err != nil {
			return err
		}
		return s.ledgerRepo.Create(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListByUserID 查询用户全部补贴账户
func (s *SubsidyService) ListByUserID(ctx context.Context, userID int64) ([]*model.SubsidyAccount, error) {
	return s.subsidyRepo.ListByUserID(ctx, userID)
}
