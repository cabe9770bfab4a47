package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/model"
	"canteenpay/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Account{},
		&model.SubsidyAccount{},
		&model.LedgerEntry{},
		&model.CompensationRecord{},
		&model.OfflineConsumeRecord{},
		&model.Device{},
	))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, accountID, userID, balance int64) *model.Account {
	t.Helper()
	account := &model.Account{
		AccountID: accountID,
		UserID:    userID,
		Balance:   balance,
		Status:    model.AccountStatusNormal,
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

func newCompensationFixture(t *testing.T, db *gorm.DB) (*CompensationJob, *service.CompensationService) {
	t.Helper()
	cfg := &config.Config{Business: config.Default()}
	balanceService := service.NewBalanceService(db, 3)
	subsidyService := service.NewSubsidyService(db, 3)
	compensationService := service.NewCompensationService(db, balanceService, subsidyService, nil, false)
	return NewCompensationJob(db, compensationService, cfg), compensationService
}

func enqueueCompensation(t *testing.T, svc *service.CompensationService, rec *model.CompensationRecord) {
	t.Helper()
	require.NoError(t, svc.Enqueue(context.Background(), nil, rec))
}

func compensationRecord(t *testing.T, db *gorm.DB, businessNo string) *model.CompensationRecord {
	t.Helper()
	var rec model.CompensationRecord
	require.NoError(t, db.Where("business_no = ?", businessNo).First(&rec).Error)
	return &rec
}

// makeDue 把补偿记录的下次重试时间拨回过去，让它立即到期
func makeDue(t *testing.T, db *gorm.DB, businessNo string) {
	t.Helper()
	require.NoError(t, db.Model(&model.CompensationRecord{}).
		Where("business_no = ?", businessNo).
		Update("next_retry_time", time.Now().Add(-time.Second)).Error)
}

func TestProcessDue_CompletesOnSuccess(t *testing.T) {
	db := newTestDB(t)
	job, svc := newCompensationFixture(t, db)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 0)
	enqueueCompensation(t, svc, &model.CompensationRecord{
		BusinessNo:    "RCG-1",
		AccountID:     100,
		UserID:        1,
		Amount:        3000,
		Direction:     model.CompensationDirectionIncrease,
		BizType:       model.BizTypeRecharge,
		MaxRetryCount: 3,
	})

	processed := job.ProcessDue(ctx)
	assert.Equal(t, 1, processed)

	rec := compensationRecord(t, db, "RCG-1")
	assert.Equal(t, model.CompensationStatusCompleted, rec.Status)

	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(3000), account.Balance)

	// 完成的记录不再到期
	assert.Equal(t, 0, job.ProcessDue(ctx))
}

func TestProcessDue_SubsidyRefundCreditsPool(t *testing.T) {
	db := newTestDB(t)
	job, svc := newCompensationFixture(t, db)
	ctx := context.Background()

	pool := &model.SubsidyAccount{
		SubsidyAccountID: 900,
		UserID:           1,
		SubsidyTypeID:    10,
		Balance:          0,
		Status:           model.SubsidyStatusActive,
		ExpireTime:       time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(pool).Error)

	// 补贴回补义务：account_id 是补贴池ID，入账走补贴账户而非主账户
	enqueueCompensation(t, svc, &model.CompensationRecord{
		BusinessNo:    "CSM-9-RB900",
		AccountID:     900,
		UserID:        1,
		Amount:        500,
		AccountKind:   model.AccountKindSubsidy,
		Direction:     model.CompensationDirectionIncrease,
		BizType:       model.BizTypeRefund,
		MaxRetryCount: 3,
	})

	require.Equal(t, 1, job.ProcessDue(ctx))

	rec := compensationRecord(t, db, "CSM-9-RB900")
	assert.Equal(t, model.CompensationStatusCompleted, rec.Status)

	var fresh model.SubsidyAccount
	require.NoError(t, db.Where("subsidy_account_id = ?", 900).First(&fresh).Error)
	assert.Equal(t, int64(500), fresh.Balance)
}

func TestProcessDue_ExhaustionTurnsFailed(t *testing.T) {
	db := newTestDB(t)
	job, svc := newCompensationFixture(t, db)
	ctx := context.Background()

	// 账户余额为零，扣款补偿每轮都失败
	seedAccount(t, db, 100, 1, 0)
	enqueueCompensation(t, svc, &model.CompensationRecord{
		BusinessNo:    "CSM-1",
		AccountID:     100,
		UserID:        1,
		Amount:        500,
		Direction:     model.CompensationDirectionDecrease,
		BizType:       model.BizTypeConsume,
		MaxRetryCount: 3,
	})

	// 第1、2轮：退回 PENDING，下次重试时间严格后移
	var lastNext time.Time
	for round := 1; round <= 2; round++ {
		makeDue(t, db, "CSM-1")
		require.Equal(t, 1, job.ProcessDue(ctx))

		rec := compensationRecord(t, db, "CSM-1")
		assert.Equal(t, model.CompensationStatusPending, rec.Status)
		assert.Equal(t, round, rec.RetryCount)
		assert.True(t, rec.NextRetryTime.After(time.Now()), "重试时间必须在未来")
		assert.True(t, rec.NextRetryTime.After(lastNext), "重试时间必须严格递增")
		assert.NotEmpty(t, rec.LastError)
		lastNext = rec.NextRetryTime
	}

	// 第3轮：达到上限转 FAILED，之后不再被拾取
	makeDue(t, db, "CSM-1")
	require.Equal(t, 1, job.ProcessDue(ctx))

	rec := compensationRecord(t, db, "CSM-1")
	assert.Equal(t, model.CompensationStatusFailed, rec.Status)

	makeDue(t, db, "CSM-1")
	assert.Equal(t, 0, job.ProcessDue(ctx))
}

func TestExecute_SkipsAlreadyLanded(t *testing.T) {
	db := newTestDB(t)
	job, svc := newCompensationFixture(t, db)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 1000)

	// 上次执行在"入账成功"与"标记完成"之间崩溃：流水已存在
	require.NoError(t, db.Create(&model.LedgerEntry{
		TransactionNo: "TXN-1",
		BusinessNo:    "CSM-1",
		AccountID:     100,
		AccountKind:   model.AccountKindMain,
		Amount:        -500,
		BalanceBefore: 1500,
		BalanceAfter:  1000,
		BizType:       model.BizTypeConsume,
	}).Error)

	enqueueCompensation(t, svc, &model.CompensationRecord{
		BusinessNo:    "CSM-1",
		AccountID:     100,
		UserID:        1,
		Amount:        500,
		Direction:     model.CompensationDirectionDecrease,
		BizType:       model.BizTypeConsume,
		MaxRetryCount: 3,
	})

	require.Equal(t, 1, job.ProcessDue(ctx))

	// 不会重复扣款，记录直接标记完成
	rec := compensationRecord(t, db, "CSM-1")
	assert.Equal(t, model.CompensationStatusCompleted, rec.Status)

	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(1000), account.Balance)
}

func TestEnqueue_DuplicateBusinessNo(t *testing.T) {
	db := newTestDB(t)
	_, svc := newCompensationFixture(t, db)
	ctx := context.Background()

	rec := func() *model.CompensationRecord {
		return &model.CompensationRecord{
			BusinessNo:    "CSM-1",
			AccountID:     100,
			UserID:        1,
			Amount:        500,
			Direction:     model.CompensationDirectionDecrease,
			BizType:       model.BizTypeConsume,
			MaxRetryCount: 3,
		}
	}

	require.NoError(t, svc.Enqueue(ctx, nil, rec()))
	// 同一业务重复登记只保留一条
	require.NoError(t, svc.Enqueue(ctx, nil, rec()))

	var count int64
	require.NoError(t, db.Model(&model.CompensationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestBackoff_LinearWithCap(t *testing.T) {
	db := newTestDB(t)
	cfg := &config.Config{Business: config.Default()}
	cfg.Business.CompensationBackoffBase = 30 * time.Second
	cfg.Business.CompensationBackoffCap = 2 * time.Minute
	balanceService := service.NewBalanceService(db, 3)
	job := NewCompensationJob(db, service.NewCompensationService(db, balanceService, service.NewSubsidyService(db, 3), nil, false), cfg)

	assert.Equal(t, 60*time.Second, job.backoff(1))
	assert.Equal(t, 90*time.Second, job.backoff(2))
	assert.Equal(t, 120*time.Second, job.backoff(3))
	// 封顶
	assert.Equal(t, 120*time.Second, job.backoff(10))
}
