package model

import (
	"time"
)

const (
	DeviceStatusEnabled  = "ENABLED"  // 已授权
	DeviceStatusDisabled = "DISABLED" // 已停用，上传的离线记录按 DEVICE 冲突处理
)

// Device 消费终端表
// 离线记录入账前校验设备是否登记且处于授权状态
type Device struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"device_id"` // 设备编号（出厂分配）
	Name      string    `gorm:"type:varchar(128)" json:"name"`                          // 设备名称/安装位置
	Status    string    `gorm:"type:varchar(20);not null;default:ENABLED" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string {
	return "consume_device"
}
