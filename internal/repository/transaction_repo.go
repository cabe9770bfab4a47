package repository

import (
	"context"
	"errors"

	"canteenpay/internal/model"

	"gorm.io/gorm"
)

// LedgerRepository 交易流水仓储，只提供追加和查询，没有更新/删除
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.LedgerEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// GetByBusinessNo 幂等查询：业务单号已有流水说明该笔变动已入账
func (r *LedgerRepository) GetByBusinessNo(ctx context.Context, businessNo string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("business_no = ?", businessNo).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// ListByBusinessPrefix 按业务单号前缀查询流水
// 组合业务（消费=补贴分摊+主余额）的各条腿共用同一单号前缀，
// 重放检测时用前缀把整笔业务的已入账流水一次取回
func (r *LedgerRepository) ListByBusinessPrefix(ctx context.Context, prefix string) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("business_no LIKE ?", prefix+"%").
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.LedgerEntry, error) {
	var entry model.LedgerEntry
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.LedgerEntry, int64, error) {
	var entries []*model.LedgerEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEntry{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}
