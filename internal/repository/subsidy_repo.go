package repository

import (
	"context"
	"errors"
	"time"

	"canteenpay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSubsidyAccountNotFound = errors.New("补贴账户不存在")
)

type SubsidyRepository struct {
	db *gorm.DB
}

func NewSubsidyRepository(db *gorm.DB) *SubsidyRepository {
	return &SubsidyRepository{db: db}
}

func (r *SubsidyRepository) Create(ctx context.Context, tx *gorm.DB, account *model.SubsidyAccount) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(account).Error
}

func (r *SubsidyRepository) GetBySubsidyAccountID(ctx context.Context, subsidyAccountID int64) (*model.SubsidyAccount, error) {
	var account model.SubsidyAccount
	err := r.db.WithContext(ctx).Where("subsidy_account_id = ?", subsidyAccountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubsidyAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAllocatable 查询用户可参与扣减的补贴账户
// 排序即分配策略：先过期先用，其次优先级，最后按ID保证确定性
func (r *SubsidyRepository) ListAllocatable(ctx context.Context, userID int64, now time.Time) ([]*model.SubsidyAccount, error) {
	var accounts []*model.SubsidyAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND expire_time > ? AND balance > 0",
			userID, model.SubsidyStatusActive, now).
		Order("expire_time ASC, priority ASC, subsidy_account_id ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *SubsidyRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.SubsidyAccount, error) {
	var accounts []*model.SubsidyAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("expire_time ASC, priority ASC, subsidy_account_id ASC").
		Find(&accounts).Error
	return accounts, err
}

// Deduct 补贴账户条件扣款，与主账户同一套乐观锁纪律（版本字段相互独立）
func (r *SubsidyRepository) Deduct(ctx context.Context, tx *gorm.DB, subsidyAccountID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.SubsidyAccount{}).
		Where("subsidy_account_id = ? AND version = ? AND balance >= ?", subsidyAccountID, version, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetBySubsidyAccountID(ctx, subsidyAccountID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 补贴账户条件入账（分配失败后的回退路径）
func (r *SubsidyRepository) Credit(ctx context.Context, tx *gorm.DB, subsidyAccountID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.SubsidyAccount{}).
		Where("subsidy_account_id = ? AND version = ?", subsidyAccountID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetBySubsidyAccountID(ctx, subsidyAccountID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// ListExpiredActive 查询已到期但仍为 ACTIVE 的补贴账户，供冲销任务处理
func (r *SubsidyRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*model.SubsidyAccount, error) {
	var accounts []*model.SubsidyAccount
	err := r.db.WithContext(ctx).
		Where("status = ? AND expire_time <= ?", model.SubsidyStatusActive, now).
		Order("expire_time ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}

// WriteOff 冲销过期补贴：余额清零、版本+1、状态置为 EXPIRED
// 版本条件保证与并发中的扣减至多一个生效
func (r *SubsidyRepository) WriteOff(ctx context.Context, tx *gorm.DB, subsidyAccountID int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.SubsidyAccount{}).
		Where("subsidy_account_id = ? AND version = ? AND status = ?",
			subsidyAccountID, version, model.SubsidyStatusActive).
		Updates(map[string]interface{}{
			"balance": 0,
			"version": gorm.Expr("version + 1"),
			"status":  model.SubsidyStatusExpired,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetBySubsidyAccountID(ctx, subsidyAccountID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}
