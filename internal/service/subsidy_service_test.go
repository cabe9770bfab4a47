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

func grantSubsidy(t *testing.T, svc *SubsidyService, userID, typeID, amount int64, priority int, expireIn time.Duration) *model.SubsidyAccount {
	t.Helper()
	account, err := svc.Grant(context.Background(), userID, typeID, amount, priority, time.Now().Add(expireIn))
	require.NoError(t, err)
	return account
}

func subsidyBalance(t *testing.T, db *gorm.DB, subsidyAccountID int64) int64 {
	t.Helper()
	var account model.SubsidyAccount
	require.NoError(t, db.Where("subsidy_account_id = ?", subsidyAccountID).First(&account).Error)
	return account.Balance
}

func TestAllocate_ExpireTimeFirst(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	// 池A 明天过期，池B 下个月过期，必须先吃池A
	poolA := grantSubsidy(t, svc, 1, 10, 1000, 0, 24*time.Hour)
	poolB := grantSubsidy(t, svc, 1, 10, 1000, 0, 30*24*time.Hour)

	result, err := svc.Allocate(ctx, 1, 600, "CSM-1", "午餐")
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Remainder)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, poolA.SubsidyAccountID, result.Allocations[0].SubsidyAccountID)
	assert.Equal(t, int64(600), result.Allocations[0].AmountUsed)

	assert.Equal(t, int64(400), subsidyBalance(t, db, poolA.SubsidyAccountID))
	assert.Equal(t, int64(1000), subsidyBalance(t, db, poolB.SubsidyAccountID))
}

func TestAllocate_SpillsToNextPool(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	poolA := grantSubsidy(t, svc, 1, 10, 500, 0, 24*time.Hour)
	poolB := grantSubsidy(t, svc, 1, 10, 1000, 0, 48*time.Hour)

	// 8.00 的消费：池A 只有 5.00，剩下 3.00 溢到池B
	result, err := svc.Allocate(ctx, 1, 800, "CSM-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Remainder)
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, int64(500), result.Allocations[0].AmountUsed)
	assert.Equal(t, int64(300), result.Allocations[1].AmountUsed)

	assert.Equal(t, int64(0), subsidyBalance(t, db, poolA.SubsidyAccountID))
	assert.Equal(t, int64(700), subsidyBalance(t, db, poolB.SubsidyAccountID))
}

func TestAllocate_RemainderWhenExhausted(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	grantSubsidy(t, svc, 1, 10, 300, 0, 24*time.Hour)

	// 补贴只有 3.00，10.00 的消费剩 7.00 由调用方走主账户
	result, err := svc.Allocate(ctx, 1, 1000, "CSM-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(700), result.Remainder)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, int64(300), result.Allocations[0].AmountUsed)
}

func TestAllocate_PriorityBreaksTie(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	expire := time.Now().Add(24 * time.Hour)
	low, err := svc.Grant(ctx, 1, 10, 500, 5, expire)
	require.NoError(t, err)
	high, err := svc.Grant(ctx, 1, 11, 500, 1, expire)
	require.NoError(t, err)

	result, err := svc.Allocate(ctx, 1, 200, "CSM-1", "")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, high.SubsidyAccountID, result.Allocations[0].SubsidyAccountID)
	assert.Equal(t, int64(500), subsidyBalance(t, db, low.SubsidyAccountID))
}

func TestAllocate_SkipsExpiredPool(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	expired := grantSubsidy(t, svc, 1, 10, 1000, 0, -time.Hour)
	active := grantSubsidy(t, svc, 1, 10, 1000, 0, 24*time.Hour)

	result, err := svc.Allocate(ctx, 1, 500, "CSM-1", "")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, active.SubsidyAccountID, result.Allocations[0].SubsidyAccountID)
	assert.Equal(t, int64(1000), subsidyBalance(t, db, expired.SubsidyAccountID))
}

func TestAllocate_IdempotentPerPool(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	pool := grantSubsidy(t, svc, 1, 10, 1000, 0, 24*time.Hour)

	first, err := svc.Allocate(ctx, 1, 400, "CSM-1", "")
	require.NoError(t, err)

	// 同一单号重放：命中各池的流水，不再扣减
	second, err := svc.Allocate(ctx, 1, 400, "CSM-1", "")
	require.NoError(t, err)
	assert.Equal(t, first.Allocations, second.Allocations)
	assert.Equal(t, int64(600), subsidyBalance(t, db, pool.SubsidyAccountID))
}

func TestRefundAllocations(t *testing.T) {
	db := newTestDB(t)
	svc := NewSubsidyService(db, 3)
	ctx := context.Background()

	poolA := grantSubsidy(t, svc, 1, 10, 500, 0, 24*time.Hour)
	poolB := grantSubsidy(t, svc, 1, 10, 500, 0, 48*time.Hour)

	result, err := svc.Allocate(ctx, 1, 800, "CSM-1", "")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)

	require.NoError(t, svc.RefundAllocations(ctx, result.Allocations, "CSM-1", "主账户扣款失败回补"))
	assert.Equal(t, int64(500), subsidyBalance(t, db, poolA.SubsidyAccountID))
	assert.Equal(t, int64(500), subsidyBalance(t, db, poolB.SubsidyAccountID))

	// 回补幂等：重复调用不会多退
	require.NoError(t, svc.RefundAllocations(ctx, result.Allocations, "CSM-1", "重复回补"))
	assert.Equal(t, int64(500), subsidyBalance(t, db, poolA.SubsidyAccountID))
	assert.Equal(t, int64(500), subsidyBalance(t, db, poolB.SubsidyAccountID))
}
