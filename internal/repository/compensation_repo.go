package repository

import (
	"context"
	"time"

	"canteenpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CompensationRepository struct {
	db *gorm.DB
}

func NewCompensationRepository(db *gorm.DB) *CompensationRepository {
	return &CompensationRepository{db: db}
}

// Create 创建补偿记录，business_no 唯一索引保证同一业务只登记一次
func (r *CompensationRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.CompensationRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_no"}},
			DoNothing: true,
		}).
		Create(rec).Error
}

// ExistsByBusinessPrefix 是否存在以该前缀开头的补偿记录
// 消费重放用它判定某单号是否已登记过回补义务：义务一旦登记，单号即作废
func (r *CompensationRepository) ExistsByBusinessPrefix(ctx context.Context, prefix string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.CompensationRecord{}).
		Where("business_no LIKE ?", prefix+"%").
		Count(&count).Error
	return count > 0, err
}

// ListDue 查询本轮可重试的补偿记录
// 条件与索引 idx_comp_due 对齐：PENDING 且到达重试时间且次数未耗尽
func (r *CompensationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.CompensationRecord, error) {
	var records []*model.CompensationRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_time <= ? AND retry_count < max_retry_count",
			model.CompensationStatusPending, now).
		Order("next_retry_time ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// MarkCompleted 补偿成功，status 条件保证多实例并发下至多一个实例收尾
func (r *CompensationRepository) MarkCompleted(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.CompensationRecord{}).
		Where("id = ? AND status = ?", id, model.CompensationStatusPending).
		Update("status", model.CompensationStatusCompleted).Error
}

// MarkRetry 单次失败：次数+1，推进下次重试时间
func (r *CompensationRepository) MarkRetry(ctx context.Context, id int64, nextRetryTime time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.CompensationRecord{}).
		Where("id = ? AND status = ?", id, model.CompensationStatusPending).
		Updates(map[string]interface{}{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"next_retry_time": nextRetryTime,
			"last_error":      lastError,
		}).Error
}

// MarkFailed 重试耗尽，终态，等待人工介入
func (r *CompensationRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.CompensationRecord{}).
		Where("id = ? AND status = ?", id, model.CompensationStatusPending).
		Updates(map[string]interface{}{
			"status":      model.CompensationStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  lastError,
		}).Error
}

func (r *CompensationRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.CompensationRecord{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// ListFailed 供运维端查询卡死的补偿管道
func (r *CompensationRepository) ListFailed(ctx context.Context, limit int) ([]*model.CompensationRecord, error) {
	var records []*model.CompensationRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", model.CompensationStatusFailed).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
