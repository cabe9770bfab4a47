package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/infrastructure/lock"
	"canteenpay/internal/infrastructure/mq"
	"canteenpay/internal/model"
	"canteenpay/internal/remote"
	"canteenpay/internal/repository"
	"canteenpay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	// ErrBusinessRolledBack 该业务单号已回滚过，单号一次性使用，重试必须换新单号
	ErrBusinessRolledBack = errors.New("业务单号已回滚，请使用新单号")
)

// 消费确认状态
const (
	ConsumeStatusSuccess = "SUCCESS" // 已入账
	ConsumeStatusPending = "PENDING" // 远端结果未知，已登记补偿，最终一致
)

// ConsumeService 消费编排
//
// 一笔消费 = 补贴分摊（先过期先用）+ 主账户扣减剩余部分。
// 两段不在同一个事务里：补贴扣减成功后主账户扣减失败时反向回补补贴，
// 远端结果未知时登记补偿记录异步补扣。
//
// 幂等键是 business_no：补贴腿单号为 <business_no>-S<池ID>，
// 主账户腿直接用 business_no，重放时按前缀取回全部已入账的腿
type ConsumeService struct {
	db                  *gorm.DB
	redisClient         *redis.Client
	cfg                 *config.Config
	accountRepo         *repository.AccountRepository
	ledgerRepo          *repository.LedgerRepository
	compensationRepo    *repository.CompensationRepository
	balanceService      *BalanceService
	subsidyService      *SubsidyService
	compensationService *CompensationService
	accountClient       remote.AccountClient
}

func NewConsumeService(
	db *gorm.DB,
	redisClient *redis.Client,
	cfg *config.Config,
	balanceService *BalanceService,
	subsidyService *SubsidyService,
	compensationService *CompensationService,
	accountClient remote.AccountClient,
) *ConsumeService {
	return &ConsumeService{
		db:                  db,
		redisClient:         redisClient,
		cfg:                 cfg,
		accountRepo:         repository.NewAccountRepository(db),
		ledgerRepo:          repository.NewLedgerRepository(db),
		compensationRepo:    repository.NewCompensationRepository(db),
		balanceService:      balanceService,
		subsidyService:      subsidyService,
		compensationService: compensationService,
		accountClient:       accountClient,
	}
}

type ConsumeRequest struct {
	BusinessNo string `json:"business_no" binding:"required"` // 幂等键，调用方生成
	UserID     int64  `json:"user_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"` // 分
	DeviceID   string `json:"device_id"`
	Remark     string `json:"remark"`
}

type ConsumeResponse struct {
	BusinessNo    string              `json:"business_no"`
	Status        string              `json:"status"`
	Amount        int64               `json:"amount"`
	SubsidyAmount int64               `json:"subsidy_amount"` // 补贴覆盖部分
	MainAmount    int64               `json:"main_amount"`    // 主账户承担部分
	Allocations   []SubsidyAllocation `json:"allocations,omitempty"`
	Replayed      bool                `json:"replayed"`
	Message       string              `json:"message,omitempty"`
}

// Consume 执行一笔消费
func (s *ConsumeService) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 幂等校验
	replayed, err := s.checkReplay(ctx, req)
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	account, err := s.accountRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, repository.ErrAccountNotFound
		}
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}
	if account.Status == model.AccountStatusClosed {
		return nil, repository.ErrAccountClosed
	}
	if account.Status == model.AccountStatusFrozen {
		return nil, repository.ErrAccountFrozen
	}

	// 账户级分布式锁：同一账户的消费串行化，不同账户互不影响
	// 本地联调和测试环境不接 Redis，此时靠账户表的版本号乐观锁兜底
	if s.redisClient != nil {
		consumeLock := lock.NewConsumeLock(s.redisClient, account.AccountID, req.BusinessNo, s.cfg.Business.ConsumeLockTTL)
		if err := consumeLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer consumeLock.Unlock(ctx)
	}

	// 获取锁后再次检查幂等
	replayed, err = s.checkReplay(ctx, req)
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	// 第一段：补贴分摊
	allocRes, err := s.subsidyService.Allocate(ctx, req.UserID, req.Amount, req.BusinessNo, req.Remark)
	if err != nil {
		return nil, fmt.Errorf("补贴分摊失败: %w", err)
	}
	subsidyUsed := req.Amount - allocRes.Remainder

	resp := &ConsumeResponse{
		BusinessNo:    req.BusinessNo,
		Status:        ConsumeStatusSuccess,
		Amount:        req.Amount,
		SubsidyAmount: subsidyUsed,
		MainAmount:    allocRes.Remainder,
		Allocations:   allocRes.Allocations,
	}

	// 补贴足额覆盖，无主账户腿
	if allocRes.Remainder == 0 {
		s.publishConsumeResult(req, resp)
		log.Printf("[消费] 补贴全额覆盖: businessNo=%s, userID=%d, amount=%d", req.BusinessNo, req.UserID, req.Amount)
		return resp, nil
	}

	// 第二段：主账户扣减剩余部分
	if err := s.deductMain(ctx, account, req, allocRes, resp); err != nil {
		return nil, err
	}

	s.publishConsumeResult(req, resp)
	log.Printf("[消费] 成功: businessNo=%s, userID=%d, amount=%d, 补贴=%d, 主账户=%d",
		req.BusinessNo, req.UserID, req.Amount, subsidyUsed, allocRes.Remainder)
	return resp, nil
}

// deductMain 扣减主账户腿，失败时回补已扣补贴
func (s *ConsumeService) deductMain(ctx context.Context, account *model.Account, req *ConsumeRequest, allocRes *AllocationResult, resp *ConsumeResponse) error {
	remainder := allocRes.Remainder

	if s.cfg.Remote.Enabled && s.accountClient != nil {
		return s.deductMainRemote(ctx, account, req, allocRes, resp)
	}

	_, err := s.balanceService.Deduct(ctx, account.AccountID, remainder, req.BusinessNo, model.BizTypeConsume, req.Remark)
	if err != nil {
		// 主账户腿确定失败，回补补贴，本单号作废
		if rbErr := s.subsidyService.RefundAllocations(ctx, allocRes.Allocations, req.BusinessNo, "主账户扣款失败回补"); rbErr != nil {
			s.enqueueRefundObligations(ctx, req, allocRes.Allocations, rbErr)
		}
		return err
	}
	return nil
}

// enqueueRefundObligations 补贴回补同步失败时，把每个池的入账义务持久化成补偿记录
// 单号沿用回补腿的 <business_no>-RB<池ID>，补偿重放与同步回补互相可去重
func (s *ConsumeService) enqueueRefundObligations(ctx context.Context, req *ConsumeRequest, allocations []SubsidyAllocation, cause error) {
	log.Printf("[消费] 补贴回补失败，转异步补偿: businessNo=%s, err=%v", req.BusinessNo, cause)
	for _, alloc := range allocations {
		rec := &model.CompensationRecord{
			BusinessNo:    fmt.Sprintf("%s-RB%d", req.BusinessNo, alloc.SubsidyAccountID),
			AccountID:     alloc.SubsidyAccountID,
			UserID:        req.UserID,
			Amount:        alloc.AmountUsed,
			AccountKind:   model.AccountKindSubsidy,
			Direction:     model.CompensationDirectionIncrease,
			BizType:       model.BizTypeRefund,
			Remark:        "补贴回补失败转补偿",
			MaxRetryCount: s.cfg.Business.CompensationMaxRetries,
		}
		if err := s.compensationService.Enqueue(ctx, nil, rec); err != nil {
			// 登记失败的池子留给下一次重放：单号因已登记的义务而作废，
			// 消费重试会再次触发回补或登记
			log.Printf("[消费] 严重: 回补义务登记失败，需人工核对: businessNo=%s, subsidyAccountID=%d, err=%v",
				req.BusinessNo, alloc.SubsidyAccountID, err)
		}
	}
}

// deductMainRemote 余额托管在远端账户服务时的主账户腿
//
// 三种结局：
//   - 成功：本地落一条流水镜像保证幂等可查
//   - 明确拒绝（余额不足等）：回补补贴，向调用方报错
//   - 结果未知（超时/5xx）：登记补偿记录异步重放，向调用方返回 PENDING
func (s *ConsumeService) deductMainRemote(ctx context.Context, account *model.Account, req *ConsumeRequest, allocRes *AllocationResult, resp *ConsumeResponse) error {
	result, err := s.accountClient.DecreaseBalance(ctx, &remote.BalanceChangeRequest{
		UserID:     req.UserID,
		Amount:     allocRes.Remainder,
		BizType:    model.BizTypeConsume,
		BusinessNo: req.BusinessNo,
		Remark:     req.Remark,
	})

	if err == nil {
		entry := &model.LedgerEntry{
			TransactionNo: result.TransactionNo,
			BusinessNo:    req.BusinessNo,
			AccountID:     account.AccountID,
			AccountKind:   model.AccountKindMain,
			Amount:        -allocRes.Remainder,
			BalanceBefore: result.BalanceBefore,
			BalanceAfter:  result.BalanceAfter,
			BizType:       model.BizTypeConsume,
			Remark:        req.Remark,
		}
		if cErr := s.ledgerRepo.Create(ctx, nil, entry); cErr != nil {
			// 远端已入账，流水镜像落库失败只影响本地查询，补偿任务会按单号去重
			log.Printf("[消费] 流水镜像落库失败: businessNo=%s, err=%v", req.BusinessNo, cErr)
		}
		return nil
	}

	if errors.Is(err, remote.ErrRemoteRejected) {
		if rbErr := s.subsidyService.RefundAllocations(ctx, allocRes.Allocations, req.BusinessNo, "远端扣款被拒回补"); rbErr != nil {
			s.enqueueRefundObligations(ctx, req, allocRes.Allocations, rbErr)
		}
		return err
	}

	// 结果未知：禁止同步重试（可能重复扣款），落补偿走异步管道
	rec := &model.CompensationRecord{
		BusinessNo:    req.BusinessNo,
		AccountID:     account.AccountID,
		UserID:        req.UserID,
		Amount:        allocRes.Remainder,
		Direction:     model.CompensationDirectionDecrease,
		BizType:       model.BizTypeConsume,
		Remark:        req.Remark,
		MaxRetryCount: s.cfg.Business.CompensationMaxRetries,
	}
	if eErr := s.compensationService.Enqueue(ctx, nil, rec); eErr != nil {
		return fmt.Errorf("远端不可用且补偿登记失败: %w", eErr)
	}

	resp.Status = ConsumeStatusPending
	resp.Message = "账户服务暂不可用，扣款将异步完成"
	log.Printf("[消费] 远端不可用，已登记补偿: businessNo=%s, amount=%d, err=%v", req.BusinessNo, allocRes.Remainder, err)
	return nil
}

// checkReplay 按单号前缀取回已入账的腿，判定这笔业务此前走到了哪一步
//
//   - 存在回补腿（-RB）流水或待执行的回补补偿：该单号已回滚作废，拒绝复用
//   - 主账户腿已入账，或补贴腿合计已覆盖全额：整笔已完成，重放应答
//   - 部分补贴腿已入账且未回滚：继续执行（补贴腿逐池幂等，不会重复扣）
func (s *ConsumeService) checkReplay(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	entries, err := s.ledgerRepo.ListByBusinessPrefix(ctx, req.BusinessNo)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var subsidyUsed, mainUsed int64
	var allocations []SubsidyAllocation
	mainDone := false

	for _, e := range entries {
		suffix := strings.TrimPrefix(e.BusinessNo, req.BusinessNo)
		switch {
		case suffix == "":
			mainDone = true
			mainUsed = -e.Amount
		case strings.HasPrefix(suffix, "-RB"):
			return nil, ErrBusinessRolledBack
		case strings.HasPrefix(suffix, "-S"):
			subsidyUsed += -e.Amount
			allocations = append(allocations, SubsidyAllocation{
				SubsidyAccountID: e.AccountID,
				AmountUsed:       -e.Amount,
				TransactionNo:    e.TransactionNo,
			})
		}
	}

	if mainDone || subsidyUsed >= req.Amount {
		return &ConsumeResponse{
			BusinessNo:    req.BusinessNo,
			Status:        ConsumeStatusSuccess,
			Amount:        req.Amount,
			SubsidyAmount: subsidyUsed,
			MainAmount:    mainUsed,
			Allocations:   allocations,
			Replayed:      true,
			Message:       "该笔消费已入账",
		}, nil
	}

	// 回补可能已转成异步补偿而尚未入账，此时不能继续走主账户腿，
	// 否则补偿执行后补贴会被重复回补
	if exists, err := s.compensationRepo.ExistsByBusinessPrefix(ctx, req.BusinessNo+"-RB"); err != nil {
		return nil, fmt.Errorf("查询补偿记录失败: %w", err)
	} else if exists {
		return nil, ErrBusinessRolledBack
	}

	// 走到一半（补贴腿部分入账），继续执行
	return nil, nil
}

// publishConsumeResult 发布消费结果事件，失败只记日志不影响主流程
func (s *ConsumeService) publishConsumeResult(req *ConsumeRequest, resp *ConsumeResponse) {
	payload := map[string]interface{}{
		"business_no":    resp.BusinessNo,
		"user_id":        req.UserID,
		"device_id":      req.DeviceID,
		"amount":         resp.Amount,
		"subsidy_amount": resp.SubsidyAmount,
		"main_amount":    resp.MainAmount,
		"status":         resp.Status,
		"consumed_at":    time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(payload)

	if err := mq.SendMessage(s.cfg.Kafka.Topic.ConsumeResult, resp.BusinessNo, string(payloadBytes)); err != nil {
		log.Printf("[消费] 结果事件发送失败: businessNo=%s, err=%v", resp.BusinessNo, err)
	}
}

type RechargeRequest struct {
	BusinessNo string `json:"business_no"` // 为空时自动生成
	UserID     int64  `json:"user_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"` // 分
	Remark     string `json:"remark"`
}

// Recharge 充值主账户
func (s *ConsumeService) Recharge(ctx context.Context, req *RechargeRequest) (*ConsumeResponse, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.BusinessNo == "" {
		req.BusinessNo = idgen.GenerateRechargeNo()
	}

	account, err := s.accountRepo.GetOrCreateByUserID(ctx, req.UserID, idgen.NextID())
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}
	if account.Status == model.AccountStatusClosed {
		return nil, repository.ErrAccountClosed
	}

	return s.creditMain(ctx, account, req.BusinessNo, req.Amount, model.BizTypeRecharge, req.Remark)
}

type RefundRequest struct {
	TransactionNo string `json:"transaction_no" binding:"required"` // 原消费流水号
	RefundNo      string `json:"refund_no"`                         // 为空时自动生成
	Amount        int64  `json:"amount"`                            // 分，为 0 时全额退
	Reason        string `json:"reason"`
}

// Refund 按原消费流水退款到主账户
// 补贴覆盖的部分也退到主账户：补贴池可能已过期，退回池子会凭空复活额度
func (s *ConsumeService) Refund(ctx context.Context, req *RefundRequest) (*ConsumeResponse, error) {
	origin, err := s.ledgerRepo.GetByTransactionNo(ctx, req.TransactionNo)
	if err != nil {
		return nil, fmt.Errorf("查询原流水失败: %w", err)
	}
	if origin == nil {
		return nil, errors.New("原消费流水不存在")
	}
	if origin.BizType != model.BizTypeConsume || origin.Amount >= 0 {
		return nil, errors.New("该流水不是消费扣款，不能退款")
	}

	refundAmount := req.Amount
	if refundAmount == 0 {
		refundAmount = -origin.Amount
	}
	if refundAmount <= 0 || refundAmount > -origin.Amount {
		return nil, ErrInvalidAmount
	}
	if req.RefundNo == "" {
		req.RefundNo = idgen.GenerateRefundNo()
	}

	// 退款目标是主账户，按流水找到账户归属
	account, err := s.accountRepo.GetByAccountID(ctx, origin.AccountID)
	if err != nil {
		if origin.AccountKind == model.AccountKindSubsidy {
			return nil, errors.New("补贴腿流水请按整单退款到主账户")
		}
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	remark := req.Reason
	if remark == "" {
		remark = fmt.Sprintf("退款-原流水%s", req.TransactionNo)
	}
	return s.creditMain(ctx, account, req.RefundNo, refundAmount, model.BizTypeRefund, remark)
}

// creditMain 主账户入账的公共路径，远端不可用时落补偿
func (s *ConsumeService) creditMain(ctx context.Context, account *model.Account, businessNo string, amount int64, bizType, remark string) (*ConsumeResponse, error) {
	resp := &ConsumeResponse{
		BusinessNo: businessNo,
		Status:     ConsumeStatusSuccess,
		Amount:     amount,
		MainAmount: amount,
	}

	if s.cfg.Remote.Enabled && s.accountClient != nil {
		result, err := s.accountClient.IncreaseBalance(ctx, &remote.BalanceChangeRequest{
			UserID:     account.UserID,
			Amount:     amount,
			BizType:    bizType,
			BusinessNo: businessNo,
			Remark:     remark,
		})
		if err == nil {
			entry := &model.LedgerEntry{
				TransactionNo: result.TransactionNo,
				BusinessNo:    businessNo,
				AccountID:     account.AccountID,
				AccountKind:   model.AccountKindMain,
				Amount:        amount,
				BalanceBefore: result.BalanceBefore,
				BalanceAfter:  result.BalanceAfter,
				BizType:       bizType,
				Remark:        remark,
			}
			if cErr := s.ledgerRepo.Create(ctx, nil, entry); cErr != nil {
				log.Printf("[入账] 流水镜像落库失败: businessNo=%s, err=%v", businessNo, cErr)
			}
			return resp, nil
		}
		if errors.Is(err, remote.ErrRemoteRejected) {
			return nil, err
		}

		rec := &model.CompensationRecord{
			BusinessNo:    businessNo,
			AccountID:     account.AccountID,
			UserID:        account.UserID,
			Amount:        amount,
			Direction:     model.CompensationDirectionIncrease,
			BizType:       bizType,
			Remark:        remark,
			MaxRetryCount: s.cfg.Business.CompensationMaxRetries,
		}
		if eErr := s.compensationService.Enqueue(ctx, nil, rec); eErr != nil {
			return nil, fmt.Errorf("远端不可用且补偿登记失败: %w", eErr)
		}
		resp.Status = ConsumeStatusPending
		resp.Message = "账户服务暂不可用，入账将异步完成"
		log.Printf("[入账] 远端不可用，已登记补偿: businessNo=%s, amount=%d, err=%v", businessNo, amount, err)
		return resp, nil
	}

	result, err := s.balanceService.Credit(ctx, account.AccountID, amount, businessNo, bizType, remark)
	if err != nil {
		return nil, err
	}
	resp.Replayed = result.Replayed
	return resp, nil
}
