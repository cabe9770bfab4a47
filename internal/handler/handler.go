package handler

import (
	"errors"
	"strconv"
	"time"

	"canteenpay/internal/config"
	"canteenpay/internal/model"
	"canteenpay/internal/remote"
	"canteenpay/internal/repository"
	"canteenpay/internal/service"
	"canteenpay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
//
// 金额在接口层统一用元（字符串小数，如 "12.50"）表达，
// 进入服务层之前换算成分（int64），杜绝浮点误差
type Handler struct {
	balanceService      *service.BalanceService
	subsidyService      *service.SubsidyService
	consumeService      *service.ConsumeService
	offlineService      *service.OfflineService
	compensationService *service.CompensationService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	var accountClient remote.AccountClient
	if cfg.Remote.Enabled {
		accountClient = remote.NewHTTPAccountClient(&cfg.Remote)
	}

	balanceService := service.NewBalanceService(db, cfg.Business.MutateMaxRetries)
	subsidyService := service.NewSubsidyService(db, cfg.Business.MutateMaxRetries)
	compensationService := service.NewCompensationService(db, balanceService, subsidyService, accountClient, cfg.Remote.Enabled)

	return &Handler{
		balanceService:      balanceService,
		subsidyService:      subsidyService,
		consumeService:      service.NewConsumeService(db, rdb, cfg, balanceService, subsidyService, compensationService, accountClient),
		offlineService:      service.NewOfflineService(db, balanceService, cfg.Business.OfflineMaxRetries),
		compensationService: compensationService,
	}
}

// parseYuan 解析元字符串为分，必须是最多两位小数的正数
func parseYuan(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, errors.New("金额最多两位小数")
	}
	if !cents.IsPositive() {
		return 0, errors.New("金额必须大于0")
	}
	return cents.IntPart(), nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// formatYuan 分转元字符串，保留两位小数
func formatYuan(cents int64) string {
	return decimal.NewFromInt(cents).Shift(-2).StringFixed(2)
}

// writeBusinessError 业务错误到响应码的统一映射
func writeBusinessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrBalanceNotEnough):
		response.BusinessError(c, response.CodeBalanceNotEnough, "余额不足")
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, "账户不存在")
	case errors.Is(err, repository.ErrAccountFrozen):
		response.BusinessError(c, response.CodeAccountFrozen, "账户已冻结")
	case errors.Is(err, repository.ErrAccountClosed):
		response.BusinessError(c, response.CodeAccountClosed, "账户已注销")
	case errors.Is(err, repository.ErrOptimisticLock):
		response.BusinessError(c, response.CodeConcurrentConflict, "操作冲突，请稍后重试")
	case errors.Is(err, repository.ErrDeviceNotFound):
		response.BusinessError(c, response.CodeDeviceNotFound, "设备未登记")
	case errors.Is(err, service.ErrBusinessRolledBack):
		response.BusinessError(c, response.CodeBusinessRolledBack, "该单号已回滚，请使用新单号")
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, "金额必须大于0")
	case errors.Is(err, remote.ErrRemoteRejected):
		response.BusinessError(c, response.CodeRemoteRejected, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额（含补贴账户汇总）
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.balanceService.GetAccountByUserID(c.Request.Context(), userID)
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	subsidies, err := h.subsidyService.ListByUserID(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	var subsidyTotal int64
	for _, sub := range subsidies {
		if sub.Status == model.SubsidyStatusActive {
			subsidyTotal += sub.Balance
		}
	}

	response.Success(c, gin.H{
		"user_id":       account.UserID,
		"account_id":    account.AccountID,
		"status":        account.Status,
		"balance":       formatYuan(account.Balance),
		"frozen_amount": formatYuan(account.FrozenAmount),
		"available":     formatYuan(account.Headroom()),
		"subsidy_total": formatYuan(subsidyTotal),
		"version":       account.Version,
	})
}

// OpenAccount 开户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.balanceService.OpenAccount(c.Request.Context(), req.UserID)
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.AccountID,
		"user_id":    account.UserID,
		"status":     account.Status,
	})
}

// ChangeAccountStatus 冻结/解冻/注销账户
// POST /api/v1/account/status
func (h *Handler) ChangeAccountStatus(c *gin.Context) {
	var req struct {
		AccountID int64  `json:"account_id" binding:"required"`
		Action    string `json:"action" binding:"required"` // freeze / unfreeze / close
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var err error
	switch req.Action {
	case "freeze":
		err = h.balanceService.FreezeAccount(c.Request.Context(), req.AccountID)
	case "unfreeze":
		err = h.balanceService.UnfreezeAccount(c.Request.Context(), req.AccountID)
	case "close":
		err = h.balanceService.CloseAccount(c.Request.Context(), req.AccountID)
	default:
		response.ParamError(c, "action 只支持 freeze/unfreeze/close")
		return
	}
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{"message": "操作成功"})
}

// Recharge 充值
// POST /api/v1/account/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req struct {
		BusinessNo string `json:"business_no"`
		UserID     int64  `json:"user_id" binding:"required"`
		Amount     string `json:"amount" binding:"required"` // 元
		Remark     string `json:"remark"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	cents, err := parseYuan(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误: "+err.Error())
		return
	}

	result, err := h.consumeService.Recharge(c.Request.Context(), &service.RechargeRequest{
		BusinessNo: req.BusinessNo,
		UserID:     req.UserID,
		Amount:     cents,
		Remark:     req.Remark,
	})
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"business_no": result.BusinessNo,
		"status":      result.Status,
		"amount":      formatYuan(result.Amount),
		"replayed":    result.Replayed,
		"message":     result.Message,
	})
}

// ListTransactions 查询账户流水
// GET /api/v1/account/transactions?account_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	entries, total, err := h.balanceService.ListLedger(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	list := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		list = append(list, gin.H{
			"transaction_no": e.TransactionNo,
			"business_no":    e.BusinessNo,
			"account_kind":   e.AccountKind,
			"amount":         formatYuan(e.Amount),
			"balance_before": formatYuan(e.BalanceBefore),
			"balance_after":  formatYuan(e.BalanceAfter),
			"biz_type":       e.BizType,
			"remark":         e.Remark,
			"created_at":     e.CreatedAt,
		})
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 消费/退款接口
// ============================================================

// Consume 执行消费
// POST /api/v1/consume/execute
//
// 【关键点】消费是整个系统最核心的操作，需要保证：
// 1. 幂等性：相同的 business_no 只会扣一次
// 2. 补贴优先：先扣快过期的补贴，剩余走主账户
// 3. 并发安全：账户级分布式锁 + 版本号乐观锁双重保护
func (h *Handler) Consume(c *gin.Context) {
	var req struct {
		BusinessNo string `json:"business_no" binding:"required"`
		UserID     int64  `json:"user_id" binding:"required"`
		Amount     string `json:"amount" binding:"required"` // 元
		DeviceID   string `json:"device_id"`
		Remark     string `json:"remark"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	cents, err := parseYuan(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误: "+err.Error())
		return
	}

	result, err := h.consumeService.Consume(c.Request.Context(), &service.ConsumeRequest{
		BusinessNo: req.BusinessNo,
		UserID:     req.UserID,
		Amount:     cents,
		DeviceID:   req.DeviceID,
		Remark:     req.Remark,
	})
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"business_no":    result.BusinessNo,
		"status":         result.Status,
		"amount":         formatYuan(result.Amount),
		"subsidy_amount": formatYuan(result.SubsidyAmount),
		"main_amount":    formatYuan(result.MainAmount),
		"allocations":    result.Allocations,
		"replayed":       result.Replayed,
		"message":        result.Message,
	})
}

// Refund 按原流水退款
// POST /api/v1/refund/execute
func (h *Handler) Refund(c *gin.Context) {
	var req struct {
		TransactionNo string `json:"transaction_no" binding:"required"`
		RefundNo      string `json:"refund_no"`
		Amount        string `json:"amount"` // 元，为空全额退
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var cents int64
	if req.Amount != "" {
		var err error
		cents, err = parseYuan(req.Amount)
		if err != nil {
			response.ParamError(c, "amount 参数错误: "+err.Error())
			return
		}
	}

	result, err := h.consumeService.Refund(c.Request.Context(), &service.RefundRequest{
		TransactionNo: req.TransactionNo,
		RefundNo:      req.RefundNo,
		Amount:        cents,
		Reason:        req.Reason,
	})
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"business_no": result.BusinessNo,
		"status":      result.Status,
		"amount":      formatYuan(result.Amount),
		"message":     result.Message,
	})
}

// ============================================================
// 补贴接口
// ============================================================

// ListSubsidies 查询用户补贴账户
// GET /api/v1/subsidy/list?user_id=xxx
func (h *Handler) ListSubsidies(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	subsidies, err := h.subsidyService.ListByUserID(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	list := make([]gin.H, 0, len(subsidies))
	for _, sub := range subsidies {
		list = append(list, gin.H{
			"subsidy_account_id": sub.SubsidyAccountID,
			"subsidy_type_id":    sub.SubsidyTypeID,
			"balance":            formatYuan(sub.Balance),
			"priority":           sub.Priority,
			"expire_time":        sub.ExpireTime,
			"status":             sub.Status,
		})
	}

	response.Success(c, gin.H{"list": list})
}

// GrantSubsidy 发放补贴
// POST /api/v1/subsidy/grant
func (h *Handler) GrantSubsidy(c *gin.Context) {
	var req struct {
		UserID        int64  `json:"user_id" binding:"required"`
		SubsidyTypeID int64  `json:"subsidy_type_id" binding:"required"`
		Amount        string `json:"amount" binding:"required"` // 元
		Priority      int    `json:"priority"`
		ExpireTime    string `json:"expire_time" binding:"required"` // RFC3339
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	cents, err := parseYuan(req.Amount)
	if err != nil {
		response.ParamError(c, "amount 参数错误: "+err.Error())
		return
	}

	expireTime, err := parseTime(req.ExpireTime)
	if err != nil {
		response.ParamError(c, "expire_time 参数错误: "+err.Error())
		return
	}

	account, err := h.subsidyService.Grant(c.Request.Context(), req.UserID, req.SubsidyTypeID, cents, req.Priority, expireTime)
	if err != nil {
		writeBusinessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"subsidy_account_id": account.SubsidyAccountID,
		"balance":            formatYuan(account.Balance),
		"expire_time":        account.ExpireTime,
	})
}

// ============================================================
// 离线对账接口
// ============================================================

// UploadOffline 终端批量上传离线消费记录
// POST /api/v1/offline/upload
func (h *Handler) UploadOffline(c *gin.Context) {
	var req struct {
		Records []struct {
			OfflineTransNo string `json:"offline_trans_no" binding:"required"`
			AccountID      int64  `json:"account_id" binding:"required"`
			DeviceID       string `json:"device_id" binding:"required"`
			Amount         string `json:"amount" binding:"required"`      // 元
			DeviceTime     string `json:"device_time" binding:"required"` // RFC3339
		} `json:"records" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	uploads := make([]*service.OfflineRecordUpload, 0, len(req.Records))
	for _, r := range req.Records {
		cents, err := parseYuan(r.Amount)
		if err != nil {
			response.ParamError(c, "amount 参数错误: transNo="+r.OfflineTransNo)
			return
		}
		deviceTime, err := parseTime(r.DeviceTime)
		if err != nil {
			response.ParamError(c, "device_time 参数错误: transNo="+r.OfflineTransNo)
			return
		}
		uploads = append(uploads, &service.OfflineRecordUpload{
			OfflineTransNo: r.OfflineTransNo,
			AccountID:      r.AccountID,
			DeviceID:       r.DeviceID,
			Amount:         cents,
			DeviceTime:     deviceTime,
		})
	}

	result, err := h.offlineService.Ingest(c.Request.Context(), uploads)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ListOfflineConflicts 查询离线冲突记录
// GET /api/v1/offline/conflicts?page=1&page_size=10
func (h *Handler) ListOfflineConflicts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.offlineService.ListConflicts(c.Request.Context(), page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	list := make([]gin.H, 0, len(records))
	for _, rec := range records {
		list = append(list, gin.H{
			"offline_trans_no": rec.OfflineTransNo,
			"account_id":       rec.AccountID,
			"device_id":        rec.DeviceID,
			"amount":           formatYuan(rec.Amount),
			"device_time":      rec.DeviceTime,
			"sync_status":      rec.SyncStatus,
			"conflict_type":    rec.ConflictType,
			"fail_reason":      rec.FailReason,
		})
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// OfflineStats 离线管道状态统计
// GET /api/v1/offline/stats
func (h *Handler) OfflineStats(c *gin.Context) {
	stats, err := h.offlineService.Stats(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, stats)
}

// ============================================================
// 设备接口
// ============================================================

// RegisterDevice 登记终端设备
// POST /api/v1/device/register
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.offlineService.RegisterDevice(c.Request.Context(), req.DeviceID, req.Name); err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, gin.H{"message": "设备已登记"})
}

// SetDeviceStatus 启用/停用终端设备
// POST /api/v1/device/status
func (h *Handler) SetDeviceStatus(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		Status   string `json:"status" binding:"required"` // ENABLED / DISABLED
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.offlineService.SetDeviceStatus(c.Request.Context(), req.DeviceID, req.Status); err != nil {
		writeBusinessError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "操作成功"})
}

// ============================================================
// 运维接口
// ============================================================

// CompensationStats 补偿管道状态统计
// GET /api/v1/compensation/stats
func (h *Handler) CompensationStats(c *gin.Context) {
	stats, err := h.compensationService.Stats(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, stats)
}

// ListFailedCompensations 重试耗尽的补偿记录，供人工介入
// GET /api/v1/compensation/failed?limit=50
func (h *Handler) ListFailedCompensations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	records, err := h.compensationService.ListFailed(c.Request.Context(), limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	list := make([]gin.H, 0, len(records))
	for _, rec := range records {
		list = append(list, gin.H{
			"business_no":  rec.BusinessNo,
			"account_id":   rec.AccountID,
			"user_id":      rec.UserID,
			"amount":       formatYuan(rec.Amount),
			"account_kind": rec.AccountKind,
			"direction":    rec.Direction,
			"biz_type":     rec.BizType,
			"retry_count":  rec.RetryCount,
			"last_error":   rec.LastError,
			"updated_at":   rec.UpdatedAt,
		})
	}
	response.Success(c, gin.H{"list": list, "total": len(list)})
}
