package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ConsumeResult string `mapstructure:"consume_result"`
	OfflineUpload string `mapstructure:"offline_upload"`
}

// RemoteConfig 远端账户服务配置
// 余额由独立微服务托管时启用；超时必须显式设置，超时即路由到补偿管道
type RemoteConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BusinessConfig 业务调优参数
// 重试上限、退避曲线等全部显式传入各个任务，不做隐式全局状态
type BusinessConfig struct {
	// 乐观锁冲突的同步重试上限（对调用方不可见）
	MutateMaxRetries int `mapstructure:"mutate_max_retries"`

	// 补偿任务
	CompensationInterval   time.Duration `mapstructure:"compensation_interval"`
	CompensationBatchSize  int           `mapstructure:"compensation_batch_size"`
	CompensationMaxRetries int           `mapstructure:"compensation_max_retries"`
	// 退避基数：第 n 次失败后等待 backoff_base * (n+1)，上限 backoff_cap
	CompensationBackoffBase time.Duration `mapstructure:"compensation_backoff_base"`
	CompensationBackoffCap  time.Duration `mapstructure:"compensation_backoff_cap"`

	// 离线同步任务
	OfflineSyncInterval time.Duration `mapstructure:"offline_sync_interval"`
	OfflineBatchSize    int           `mapstructure:"offline_batch_size"`
	OfflineMaxRetries   int           `mapstructure:"offline_max_retries"`
	// SYNCING 停留超过该时长视为处理实例崩溃，回捞退回重试
	OfflineStaleAfter time.Duration `mapstructure:"offline_stale_after"`

	// 过期补贴冲销任务
	SubsidyExpireInterval  time.Duration `mapstructure:"subsidy_expire_interval"`
	SubsidyExpireBatchSize int           `mapstructure:"subsidy_expire_batch_size"`

	// 消费请求的账户级分布式锁持有时间
	ConsumeLockTTL time.Duration `mapstructure:"consume_lock_ttl"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default 返回一套可直接运行的默认业务参数（测试和本地联调使用）
func Default() BusinessConfig {
	return BusinessConfig{
		MutateMaxRetries:        3,
		CompensationInterval:    30 * time.Second,
		CompensationBatchSize:   100,
		CompensationMaxRetries:  5,
		CompensationBackoffBase: 30 * time.Second,
		CompensationBackoffCap:  10 * time.Minute,
		OfflineSyncInterval:     10 * time.Second,
		OfflineBatchSize:        100,
		OfflineMaxRetries:       3,
		OfflineStaleAfter:       5 * time.Minute,
		SubsidyExpireInterval:   time.Minute,
		SubsidyExpireBatchSize:  200,
		ConsumeLockTTL:          30 * time.Second,
	}
}
