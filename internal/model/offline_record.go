package model

import (
	"time"
)

// ============================================================================
// 离线消费记录状态常量
// ============================================================================

const (
	OfflineSyncStatusPending  = "PENDING"  // 已接收，等待处理
	OfflineSyncStatusSyncing  = "SYNCING"  // 处理中（已被某个工作实例认领）
	OfflineSyncStatusSynced   = "SYNCED"   // 已成功入账
	OfflineSyncStatusConflict = "CONFLICT" // 校验冲突，等待人工处理
	OfflineSyncStatusFailed   = "FAILED"   // 瞬时失败重试耗尽
)

const (
	ConflictTypeNone    = "NONE"    // 无冲突
	ConflictTypeBalance = "BALANCE" // 按当前余额校验不足
	ConflictTypeAccount = "ACCOUNT" // 账户不存在或状态非 NORMAL
	ConflictTypeDevice  = "DEVICE"  // 设备未授权
)

// OfflineConsumeRecord 离线消费记录表
// 终端脱机期间本地记账，恢复联网后批量上传；offline_trans_no 由终端分配，
// 全局唯一，是去重的唯一依据
//
// 状态只单向流转：SYNCED / CONFLICT 的记录永远不会回到 PENDING
type OfflineConsumeRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OfflineTransNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"offline_trans_no"`              // 离线交易号（终端分配，幂等键）
	AccountID      int64     `gorm:"index;not null" json:"account_id"`                                           // 账户ID
	DeviceID       string    `gorm:"type:varchar(64);not null" json:"device_id"`                                 // 终端设备ID
	Amount         int64     `gorm:"not null" json:"amount"`                                                     // 消费金额（分，恒为正）
	DeviceTime     time.Time `gorm:"not null" json:"device_time"`                                                // 终端记账时间（仅存档，不参与排序）
	SyncStatus     string    `gorm:"type:varchar(20);not null;default:PENDING;index" json:"sync_status"`         // 同步状态
	ConflictType   string    `gorm:"type:varchar(20);not null;default:NONE" json:"conflict_type"`                // 冲突类型
	RetryCount     int       `gorm:"not null;default:0" json:"retry_count"`                                      // 瞬时失败重试次数
	TransactionNo  string    `gorm:"type:varchar(64)" json:"transaction_no"`                                     // 入账成功后关联的流水号
	FailReason     string    `gorm:"type:varchar(512)" json:"fail_reason"`                                       // 失败/冲突原因
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OfflineConsumeRecord) TableName() string {
	return "offline_consume_record"
}
