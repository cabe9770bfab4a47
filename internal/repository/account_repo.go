package repository

import (
	"context"
	"errors"

	"canteenpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound  = errors.New("账户不存在")
	ErrAccountFrozen    = errors.New("账户已冻结，禁止扣款")
	ErrAccountClosed    = errors.New("账户已注销")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, accountID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件扣款（乐观锁）
//
// WHERE 同时校验版本号和可扣减额度（余额-冻结金额），任一不满足都是 0 行；
// 零行时重读账户区分"余额不足"与"版本过期"，调用方只对后者重试
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND version = ? AND balance - frozen_amount >= ?", accountID, version, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByAccountID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Headroom() < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 条件入账（乐观锁）
// 入账同样走版本条件更新，保证 version 对所有成功变动严格 +1
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, accountID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND version = ?", accountID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByAccountID(ctx, accountID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// UpdateStatus 状态迁移（冻结/解冻/注销），from 条件防止并发覆盖
func (r *AccountRepository) UpdateStatus(ctx context.Context, accountID int64, fromStatus, toStatus string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND status = ?", accountID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetOrCreateByUserID 首次充值时自动开户
func (r *AccountRepository) GetOrCreateByUserID(ctx context.Context, userID, accountID int64) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		AccountID: accountID,
		UserID:    userID,
		Balance:   0,
		Status:    model.AccountStatusNormal,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
