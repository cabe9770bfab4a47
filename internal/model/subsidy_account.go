package model

import (
	"time"
)

const (
	SubsidyStatusActive  = "ACTIVE"  // 有效，可参与扣减
	SubsidyStatusExpired = "EXPIRED" // 已过期，余额须冲销为零后归档
	SubsidyStatusClosed  = "CLOSED"  // 已关闭
)

// SubsidyAccount 补贴账户表
// 一个用户可持有多个补贴账户（不同补贴类型、不同有效期）
//
// 扣减顺序：expire_time 升序（先过期先用），其次 priority 升序，
// 最后 subsidy_account_id 升序，保证分配顺序确定
type SubsidyAccount struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SubsidyAccountID int64     `gorm:"uniqueIndex;not null" json:"subsidy_account_id"`         // 补贴账户ID（雪花ID）
	UserID           int64     `gorm:"index;not null" json:"user_id"`                          // 用户ID
	SubsidyTypeID    int64     `gorm:"not null" json:"subsidy_type_id"`                        // 补贴类型ID
	Balance          int64     `gorm:"not null;default:0" json:"balance"`                      // 补贴余额（分）
	Priority         int       `gorm:"not null;default:0" json:"priority"`                     // 优先级，数值越小越先使用
	ExpireTime       time.Time `gorm:"index;not null" json:"expire_time"`                      // 过期时间
	Version          int       `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号（与主账户相互独立）
	Status           string    `gorm:"type:varchar(20);not null;default:ACTIVE" json:"status"` // 补贴状态
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubsidyAccount) TableName() string {
	return "subsidy_account"
}
