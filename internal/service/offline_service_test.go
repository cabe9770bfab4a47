package service

import (
	"context"
	"testing"
	"time"

	"canteenpay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newOfflineFixture(t *testing.T) (*gorm.DB, *OfflineService) {
	t.Helper()
	db := newTestDB(t)
	svc := NewOfflineService(db, NewBalanceService(db, 3), 3)
	require.NoError(t, svc.RegisterDevice(context.Background(), "GATE-1", "一号闸机"))
	return db, svc
}

func uploadRecord(transNo string, accountID int64, deviceID string, amount int64) *OfflineRecordUpload {
	return &OfflineRecordUpload{
		OfflineTransNo: transNo,
		AccountID:      accountID,
		DeviceID:       deviceID,
		Amount:         amount,
		DeviceTime:     time.Now().Add(-time.Hour),
	}
}

func offlineRecord(t *testing.T, db *gorm.DB, transNo string) *model.OfflineConsumeRecord {
	t.Helper()
	var rec model.OfflineConsumeRecord
	require.NoError(t, db.Where("offline_trans_no = ?", transNo).First(&rec).Error)
	return &rec
}

func TestIngest_DuplicateUploadIsSilent(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()
	_ = db

	first, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	// 终端重传整包是常态，重复记录静默吸收
	second, err := svc.Ingest(ctx, []*OfflineRecordUpload{
		uploadRecord("OFF-1", 100, "GATE-1", 500),
		uploadRecord("OFF-2", 100, "GATE-1", 300),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Accepted)
	assert.Equal(t, 1, second.Duplicated)
}

func TestProcessPending_Success(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)

	processed, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	rec := offlineRecord(t, db, "OFF-1")
	assert.Equal(t, model.OfflineSyncStatusSynced, rec.SyncStatus)
	assert.NotEmpty(t, rec.TransactionNo)

	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(1500), account.Balance)

	// 离线交易号就是流水幂等键
	var entry model.LedgerEntry
	require.NoError(t, db.Where("business_no = ?", "OFF-1").First(&entry).Error)
	assert.Equal(t, int64(-500), entry.Amount)
}

func TestProcessPending_ConflictDoesNotStopBatch(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{
		uploadRecord("OFF-1", 999, "GATE-1", 500), // 账户不存在
		uploadRecord("OFF-2", 100, "GATE-1", 500), // 正常
	})
	require.NoError(t, err)

	processed, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// 坏记录标冲突，好记录照常入账
	assert.Equal(t, model.OfflineSyncStatusConflict, offlineRecord(t, db, "OFF-1").SyncStatus)
	assert.Equal(t, model.ConflictTypeAccount, offlineRecord(t, db, "OFF-1").ConflictType)
	assert.Equal(t, model.OfflineSyncStatusSynced, offlineRecord(t, db, "OFF-2").SyncStatus)
}

func TestProcessPending_ValidationOrder(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	// 账户、设备都有问题时，先报账户
	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 999, "UNKNOWN", 500)})
	require.NoError(t, err)

	_, err = svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictTypeAccount, offlineRecord(t, db, "OFF-1").ConflictType)

	// 账户正常、设备未登记，报设备
	seedAccount(t, db, 100, 1, 2000)
	_, err = svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-2", 100, "UNKNOWN", 500)})
	require.NoError(t, err)

	_, err = svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictTypeDevice, offlineRecord(t, db, "OFF-2").ConflictType)
}

func TestProcessPending_BalanceConflict(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 300)
	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)

	_, err = svc.ProcessPending(ctx, 10)
	require.NoError(t, err)

	rec := offlineRecord(t, db, "OFF-1")
	assert.Equal(t, model.OfflineSyncStatusConflict, rec.SyncStatus)
	assert.Equal(t, model.ConflictTypeBalance, rec.ConflictType)

	// 冲突是终态，下一轮不再碰它
	processed, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestProcessPending_DisabledDevice(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	require.NoError(t, svc.SetDeviceStatus(ctx, "GATE-1", model.DeviceStatusDisabled))

	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)

	_, err = svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictTypeDevice, offlineRecord(t, db, "OFF-1").ConflictType)
}

func TestRequeueStale_RescuesCrashedClaim(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)

	// 另一实例认领后崩溃：记录停在 SYNCING，没人回来收尾
	rec := offlineRecord(t, db, "OFF-1")
	claimed, err := svc.offlineRepo.ClaimSyncing(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// 常规扫描拾不到它，但状态统计能看见
	processed, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Syncing)
	assert.Equal(t, int64(0), stats.Pending)

	// 未到超时线不回捞
	requeued, err := svc.RequeueStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)

	// 拨回更新时间模拟停留超时（UpdateColumn 不触发 updated_at 自动回填）
	require.NoError(t, db.Model(&model.OfflineConsumeRecord{}).
		Where("id = ?", rec.ID).
		UpdateColumn("updated_at", time.Now().Add(-10*time.Minute)).Error)

	requeued, err = svc.RequeueStale(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	rec = offlineRecord(t, db, "OFF-1")
	assert.Equal(t, model.OfflineSyncStatusPending, rec.SyncStatus)
	assert.Equal(t, 1, rec.RetryCount)

	// 回捞后走正常入账
	processed, err = svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, model.OfflineSyncStatusSynced, offlineRecord(t, db, "OFF-1").SyncStatus)
}

func TestRetryOrFail_CapTurnsFailed(t *testing.T) {
	db, svc := newOfflineFixture(t)
	ctx := context.Background()
	svc.maxRetries = 2

	_, err := svc.Ingest(ctx, []*OfflineRecordUpload{uploadRecord("OFF-1", 100, "GATE-1", 500)})
	require.NoError(t, err)

	// 第一次瞬时失败：退回 PENDING，计数 +1
	rec := offlineRecord(t, db, "OFF-1")
	claimed, err := svc.offlineRepo.ClaimSyncing(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	svc.retryOrFail(ctx, rec, "数据库抖动")

	rec = offlineRecord(t, db, "OFF-1")
	assert.Equal(t, model.OfflineSyncStatusPending, rec.SyncStatus)
	assert.Equal(t, 1, rec.RetryCount)

	// 第二次瞬时失败：达到上限转 FAILED
	claimed, err = svc.offlineRepo.ClaimSyncing(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	svc.retryOrFail(ctx, rec, "数据库抖动")

	rec = offlineRecord(t, db, "OFF-1")
	assert.Equal(t, model.OfflineSyncStatusFailed, rec.SyncStatus)
}
