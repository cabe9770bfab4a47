package repository

import (
	"context"
	"time"

	"canteenpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OfflineRepository struct {
	db *gorm.DB
}

func NewOfflineRepository(db *gorm.DB) *OfflineRepository {
	return &OfflineRepository{db: db}
}

// InsertIgnore 落库离线记录
// offline_trans_no 唯一索引 + DoNothing：重复上传静默吸收，返回是否真正新增
func (r *OfflineRepository) InsertIgnore(ctx context.Context, rec *model.OfflineConsumeRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "offline_trans_no"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *OfflineRepository) ListPending(ctx context.Context, limit int) ([]*model.OfflineConsumeRecord, error) {
	var records []*model.OfflineConsumeRecord
	err := r.db.WithContext(ctx).
		Where("sync_status = ?", model.OfflineSyncStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListStaleSyncing 认领后长时间停在 SYNCING 的记录
// 正常处理在一次入账内完成，超过 cutoff 还没出 SYNCING 说明处理实例已崩溃
func (r *OfflineRepository) ListStaleSyncing(ctx context.Context, cutoff time.Time, limit int) ([]*model.OfflineConsumeRecord, error) {
	var records []*model.OfflineConsumeRecord
	err := r.db.WithContext(ctx).
		Where("sync_status = ? AND updated_at <= ?", model.OfflineSyncStatusSyncing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ClaimSyncing 认领记录：PENDING -> SYNCING
// 条件更新保证多个工作实例并发扫描时每条记录至多被一个实例处理
func (r *OfflineRepository) ClaimSyncing(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.OfflineSyncStatusPending).
		Update("sync_status", model.OfflineSyncStatusSyncing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkSynced SYNCING -> SYNCED，关联入账流水号。终态，不可逆
func (r *OfflineRepository) MarkSynced(ctx context.Context, id int64, transactionNo string) error {
	return r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.OfflineSyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status":    model.OfflineSyncStatusSynced,
			"conflict_type":  model.ConflictTypeNone,
			"transaction_no": transactionNo,
		}).Error
}

// MarkConflict SYNCING -> CONFLICT。终态，等待人工处理，不自动重试
func (r *OfflineRepository) MarkConflict(ctx context.Context, id int64, conflictType, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.OfflineSyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status":   model.OfflineSyncStatusConflict,
			"conflict_type": conflictType,
			"fail_reason":   reason,
		}).Error
}

// ReturnPending 瞬时失败：SYNCING -> PENDING，重试次数+1
func (r *OfflineRepository) ReturnPending(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.OfflineSyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status": model.OfflineSyncStatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"fail_reason": reason,
		}).Error
}

// MarkFailed 瞬时失败重试耗尽：SYNCING -> FAILED。终态
func (r *OfflineRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("id = ? AND sync_status = ?", id, model.OfflineSyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status": model.OfflineSyncStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"fail_reason": reason,
		}).Error
}

// ListConflicts 冲突/失败记录分页查询，供人工处理端消费
func (r *OfflineRepository) ListConflicts(ctx context.Context, page, pageSize int) ([]*model.OfflineConsumeRecord, int64, error) {
	var records []*model.OfflineConsumeRecord
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("sync_status IN ?", []string{model.OfflineSyncStatusConflict, model.OfflineSyncStatusFailed})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

func (r *OfflineRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OfflineConsumeRecord{}).
		Where("sync_status = ?", status).
		Count(&count).Error
	return count, err
}
