package model

import (
	"time"
)

// ============================================================================
// 业务类型常量
// ============================================================================

const (
	BizTypeConsume         = "CONSUME"           // 消费扣款
	BizTypeRecharge        = "RECHARGE"          // 充值
	BizTypeRefund          = "REFUND"            // 退款
	BizTypeSubsidyGrant    = "SUBSIDY_GRANT"     // 补贴发放
	BizTypeSubsidyWriteOff = "SUBSIDY_WRITE_OFF" // 过期补贴冲销
	BizTypeCompensation    = "COMPENSATION"      // 补偿重放入账
)

// 流水归属的账户种类
const (
	AccountKindMain    = "MAIN"    // 主储值账户
	AccountKindSubsidy = "SUBSIDY" // 补贴账户
)

// ============================================================================
// 交易流水实体
// ============================================================================

// LedgerEntry 交易流水表
// 记录每一笔成功的余额变动，是对账与争议处理的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. business_no 全局唯一 —— 同一业务单号的重放直接命中已有流水，天然幂等
// 3. 记录交易前后余额和写入时的版本号 —— 便于校验余额一致性
type LedgerEntry struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	BusinessNo     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"business_no"`    // 业务单号（幂等键）
	AccountID      int64     `gorm:"index:idx_ledger_account_time;not null" json:"account_id"`    // 账户ID（主账户或补贴账户）
	AccountKind    string    `gorm:"type:varchar(20);not null;default:MAIN" json:"account_kind"`  // 账户种类
	Amount         int64     `gorm:"not null" json:"amount"`                                      // 金额（分，正数入账，负数出账）
	BalanceBefore  int64     `gorm:"not null" json:"balance_before"`                              // 交易前余额
	BalanceAfter   int64     `gorm:"not null" json:"balance_after"`                               // 交易后余额
	AppliedVersion int       `gorm:"not null" json:"applied_version"`                             // 写入成功时账户的新版本号
	BizType        string    `gorm:"type:varchar(20);not null" json:"biz_type"`                   // 业务类型
	Remark         string    `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	CreatedAt      time.Time `gorm:"autoCreateTime;index:idx_ledger_account_time" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "transaction_ledger"
}
