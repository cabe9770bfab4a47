package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/model"
	"canteenpay/internal/remote"
	"canteenpay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeAccountClient 可注入失败的远端账户服务
type fakeAccountClient struct {
	err   error
	calls int
}

func (f *fakeAccountClient) IncreaseBalance(ctx context.Context, req *remote.BalanceChangeRequest) (*remote.BalanceChangeResult, error) {
	return f.change(req, req.Amount)
}

func (f *fakeAccountClient) DecreaseBalance(ctx context.Context, req *remote.BalanceChangeRequest) (*remote.BalanceChangeResult, error) {
	return f.change(req, -req.Amount)
}

func (f *fakeAccountClient) change(req *remote.BalanceChangeRequest, delta int64) (*remote.BalanceChangeResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &remote.BalanceChangeResult{
		TransactionNo: fmt.Sprintf("RTXN-%s", req.BusinessNo),
		BalanceBefore: 10000,
		BalanceAfter:  10000 + delta,
		Delta:         delta,
	}, nil
}

func newConsumeService(db *gorm.DB, remoteEnabled bool, client remote.AccountClient) *ConsumeService {
	cfg := &config.Config{Business: config.Default()}
	cfg.Remote.Enabled = remoteEnabled

	balanceService := NewBalanceService(db, cfg.Business.MutateMaxRetries)
	subsidyService := NewSubsidyService(db, cfg.Business.MutateMaxRetries)
	compensationService := NewCompensationService(db, balanceService, subsidyService, client, remoteEnabled)
	return NewConsumeService(db, nil, cfg, balanceService, subsidyService, compensationService, client)
}

func TestConsume_SubsidyFirstThenMain(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	pool := grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	resp, err := svc.Consume(ctx, &ConsumeRequest{
		BusinessNo: "CSM-1", UserID: 1, Amount: 800, DeviceID: "GATE-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ConsumeStatusSuccess, resp.Status)
	assert.Equal(t, int64(500), resp.SubsidyAmount)
	assert.Equal(t, int64(300), resp.MainAmount)

	assert.Equal(t, int64(0), subsidyBalance(t, db, pool.SubsidyAccountID))
	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(1700), account.Balance)

	// 两条腿各一条流水：补贴腿派生单号，主账户腿用原单号
	var legs []*model.LedgerEntry
	require.NoError(t, db.Where("business_no LIKE ?", "CSM-1%").Order("id ASC").Find(&legs).Error)
	require.Len(t, legs, 2)
	assert.Equal(t, fmt.Sprintf("CSM-1-S%d", pool.SubsidyAccountID), legs[0].BusinessNo)
	assert.Equal(t, "CSM-1", legs[1].BusinessNo)
}

func TestConsume_SubsidyFullCover(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	grantSubsidy(t, svc.subsidyService, 1, 10, 1000, 0, 24*time.Hour)

	resp, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 600})
	require.NoError(t, err)
	assert.Equal(t, int64(600), resp.SubsidyAmount)
	assert.Equal(t, int64(0), resp.MainAmount)

	// 主账户分文未动
	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(2000), account.Balance)
}

func TestConsume_MainLegFails_RefundsSubsidy(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 100)
	pool := grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	// 补贴扣掉 5.00 后主账户只有 1.00，不够 3.00，整单失败并回补补贴
	_, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)

	assert.Equal(t, int64(500), subsidyBalance(t, db, pool.SubsidyAccountID))
	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(100), account.Balance)

	// 回滚过的单号作废，重试必须换新单号
	_, err = svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 100})
	assert.ErrorIs(t, err, ErrBusinessRolledBack)

	// 换了单号可以正常消费
	resp, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-2", UserID: 1, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, ConsumeStatusSuccess, resp.Status)
}

func TestConsume_RefundFailure_ObligationSurvives(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 100)
	pool := grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	// 复现"补贴已扣、主账户腿失败、同步回补也失败"的断点：
	// 分摊把池子扣空后不回补，直接登记回补义务
	allocRes, err := svc.subsidyService.Allocate(ctx, 1, 800, "CSM-1", "")
	require.NoError(t, err)
	require.Equal(t, int64(0), subsidyBalance(t, db, pool.SubsidyAccountID))

	req := &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800}
	svc.enqueueRefundObligations(ctx, req, allocRes.Allocations, fmt.Errorf("数据库连接中断"))

	// 义务已持久化成补贴入账补偿，进程崩溃也不会丢
	obligationNo := fmt.Sprintf("CSM-1-RB%d", pool.SubsidyAccountID)
	var rec model.CompensationRecord
	require.NoError(t, db.Where("business_no = ?", obligationNo).First(&rec).Error)
	assert.Equal(t, model.CompensationStatusPending, rec.Status)
	assert.Equal(t, model.AccountKindSubsidy, rec.AccountKind)
	assert.Equal(t, model.CompensationDirectionIncrease, rec.Direction)
	assert.Equal(t, int64(500), rec.Amount)

	// 义务登记即作废单号：补偿尚未执行时重试也不能继续走这笔单
	_, err = svc.Consume(ctx, req)
	assert.ErrorIs(t, err, ErrBusinessRolledBack)

	// 补偿执行把钱还进补贴池，并落回补腿流水
	require.NoError(t, svc.compensationService.Execute(ctx, &rec))
	assert.Equal(t, int64(500), subsidyBalance(t, db, pool.SubsidyAccountID))
	var legs int64
	require.NoError(t, db.Model(&model.LedgerEntry{}).Where("business_no = ?", obligationNo).Count(&legs).Error)
	assert.Equal(t, int64(1), legs)

	// 再执行一次按单号去重，不会重复入账
	require.NoError(t, svc.compensationService.Execute(ctx, &rec))
	assert.Equal(t, int64(500), subsidyBalance(t, db, pool.SubsidyAccountID))
}

func TestConsume_Replay(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)
	grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	first, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.SubsidyAmount, second.SubsidyAmount)
	assert.Equal(t, first.MainAmount, second.MainAmount)

	// 余额只扣了一次
	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(1700), account.Balance)
}

func TestConsume_RemoteUnavailable_EnqueuesCompensation(t *testing.T) {
	db := newTestDB(t)
	client := &fakeAccountClient{err: fmt.Errorf("%w: 请求超时", remote.ErrRemoteUnavailable)}
	svc := newConsumeService(db, true, client)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 0)
	grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	resp, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	require.NoError(t, err)
	assert.Equal(t, ConsumeStatusPending, resp.Status)

	// 主账户腿进了补偿管道，补贴腿保持已扣
	var rec model.CompensationRecord
	require.NoError(t, db.Where("business_no = ?", "CSM-1").First(&rec).Error)
	assert.Equal(t, model.CompensationStatusPending, rec.Status)
	assert.Equal(t, model.CompensationDirectionDecrease, rec.Direction)
	assert.Equal(t, int64(300), rec.Amount)
}

func TestConsume_RemoteRejected_RefundsSubsidy(t *testing.T) {
	db := newTestDB(t)
	client := &fakeAccountClient{err: fmt.Errorf("%w: [1003] 余额不足", remote.ErrRemoteRejected)}
	svc := newConsumeService(db, true, client)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 0)
	pool := grantSubsidy(t, svc.subsidyService, 1, 10, 500, 0, 24*time.Hour)

	_, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	assert.ErrorIs(t, err, remote.ErrRemoteRejected)

	// 明确拒绝不进补偿，补贴原路回补
	assert.Equal(t, int64(500), subsidyBalance(t, db, pool.SubsidyAccountID))
	var count int64
	require.NoError(t, db.Model(&model.CompensationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRecharge_AutoOpensAccount(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	resp, err := svc.Recharge(ctx, &RechargeRequest{UserID: 9, Amount: 3000})
	require.NoError(t, err)
	assert.Equal(t, ConsumeStatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.BusinessNo)

	var account model.Account
	require.NoError(t, db.Where("user_id = ?", 9).First(&account).Error)
	assert.Equal(t, int64(3000), account.Balance)
}

func TestRefund_ByOriginalTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := newConsumeService(db, false, nil)
	ctx := context.Background()

	seedAccount(t, db, 100, 1, 2000)

	consumeResp, err := svc.Consume(ctx, &ConsumeRequest{BusinessNo: "CSM-1", UserID: 1, Amount: 800})
	require.NoError(t, err)

	var origin model.LedgerEntry
	require.NoError(t, db.Where("business_no = ?", "CSM-1").First(&origin).Error)
	require.Equal(t, consumeResp.MainAmount, -origin.Amount)

	// 部分退 3.00
	refundResp, err := svc.Refund(ctx, &RefundRequest{TransactionNo: origin.TransactionNo, Amount: 300, Reason: "菜品退回"})
	require.NoError(t, err)
	assert.Equal(t, ConsumeStatusSuccess, refundResp.Status)

	var account model.Account
	require.NoError(t, db.Where("account_id = ?", 100).First(&account).Error)
	assert.Equal(t, int64(1500), account.Balance)

	// 超过原单金额的退款被拒
	_, err = svc.Refund(ctx, &RefundRequest{TransactionNo: origin.TransactionNo, Amount: 900})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
