package model

import (
	"time"
)

// ============================================================================
// 账户状态常量
// ============================================================================

const (
	AccountStatusNormal = "NORMAL" // 正常，可消费可入账
	AccountStatusFrozen = "FROZEN" // 冻结，禁止扣款，允许入账
	AccountStatusClosed = "CLOSED" // 注销，余额和冻结金额必须为零
)

// Account 消费账户表
// 记录用户的储值余额（单位：分），是整个消费系统的核心数据
//
// 并发控制完全依赖 version 乐观锁：每次成功的余额变动 version 严格 +1，
// 条件更新 WHERE account_id = ? AND version = ? 是唯一的写入路径
type Account struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    int64     `gorm:"uniqueIndex;not null" json:"account_id"`                 // 账户ID（雪花ID）
	UserID       int64     `gorm:"uniqueIndex;not null" json:"user_id"`                    // 用户ID，一个用户一个主账户
	Balance      int64     `gorm:"not null;default:0" json:"balance"`                      // 可用余额（分）
	FrozenAmount int64     `gorm:"not null;default:0" json:"frozen_amount"`                // 冻结金额（分），恒 <= balance
	Version      int       `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号
	Status       string    `gorm:"type:varchar(20);not null;default:NORMAL" json:"status"` // 账户状态
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "consume_account"
}

// Headroom 可扣减额度 = 可用余额 - 冻结金额
func (a *Account) Headroom() int64 {
	return a.Balance - a.FrozenAmount
}
