package model

import (
	"time"
)

const (
	CompensationStatusPending   = "PENDING"   // 等待重试
	CompensationStatusCompleted = "COMPLETED" // 补偿成功
	CompensationStatusFailed    = "FAILED"    // 重试次数耗尽，需人工介入
)

// 补偿操作方向
const (
	CompensationDirectionIncrease = "INCREASE" // 加款（充值/退款/补贴回退）
	CompensationDirectionDecrease = "DECREASE" // 扣款（消费）
)

// CompensationRecord 余额补偿记录表
// 两类来源：远端余额调用结果未知（超时/5xx）时登记的主账户重放，
// 以及补贴回补同步失败时登记的补贴账户入账义务。
// 由补偿任务按 next_retry_time 异步重放，直到成功或重试耗尽
//
// business_no 是幂等键：同一笔业务的补偿只会存在一条记录，
// 重放前先查流水去重，崩溃在"远端成功"与"标记完成"之间也不会重复入账
type CompensationRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BusinessNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"business_no"`                  // 业务单号（幂等键）
	AccountID     int64     `gorm:"index;not null" json:"account_id"`                                          // 目标账户ID
	UserID        int64     `gorm:"not null" json:"user_id"`                                                   // 用户ID
	Amount        int64     `gorm:"not null" json:"amount"`                                                    // 金额（分，恒为正）
	AccountKind   string    `gorm:"type:varchar(20);not null;default:MAIN" json:"account_kind"`                // 目标账户种类（主账户/补贴账户）
	Direction     string    `gorm:"type:varchar(20);not null" json:"direction"`                                // 操作方向
	BizType       string    `gorm:"type:varchar(20);not null" json:"biz_type"`                                 // 业务类型（CONSUME/RECHARGE/REFUND...）
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                                           // 备注
	Status        string    `gorm:"type:varchar(20);not null;default:PENDING;index:idx_comp_due" json:"status"` // 补偿状态
	RetryCount    int       `gorm:"not null;default:0" json:"retry_count"`                                     // 已重试次数
	MaxRetryCount int       `gorm:"not null" json:"max_retry_count"`                                           // 最大重试次数
	NextRetryTime time.Time `gorm:"not null;index:idx_comp_due" json:"next_retry_time"`                        // 下次重试时间
	LastError     string    `gorm:"type:varchar(512)" json:"last_error"`                                       // 最近一次失败原因
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CompensationRecord) TableName() string {
	return "balance_compensation"
}
