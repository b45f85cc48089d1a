package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 云端药盒数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 药盒中继服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string // 监听地址，如 ":5001"
	}

	// 验药服务（YOLO推理，外部协作方）
	Verifier struct {
		BaseURL string
		Timeout time.Duration
	}

	// 报警调度配置
	Scheduler struct {
		TickInterval    time.Duration // 调度器轮询间隔，默认 1秒
		DedupWindow     time.Duration // 同一 (container,date,time) 的去重窗口，默认 2分钟
		StaggerDelay    time.Duration // 同一tick多个容器命中时的错峰间隔，默认 500ms
		PreCapture      bool          // 报警前是否先发拍摄指令
		PreCaptureDelay time.Duration // 拍摄指令与报警指令之间的延迟，默认 1秒
		PruneAge        time.Duration // 触发记录过期时间，默认 6小时
		PruneCap        int           // 触发记录上限，默认 500
	}

	// 指令总线配置
	Bus struct {
		TopicPrefix     string        // 主题前缀，如 "pillnow"
		CaptureDebounce time.Duration // 拍摄指令抖动抑制窗口，默认 3秒
		DeviceOverride  string        // 单物理设备覆盖：所有容器路由到同一设备主题
	}

	// 图像验证入库配置
	Ingest struct {
		MismatchLimit int           // 不匹配通知保留条数上限，默认 50
		AlertCooldown time.Duration // 同一设备的alert指令冷却，默认 15秒
	}

	// 嵌入式控制器配置
	Device struct {
		ID             string        // 设备逻辑ID
		AlarmCeiling   time.Duration // 报警最长持续时间，默认 60秒
		AlarmInterval  time.Duration // 报警蜂鸣翻转间隔，默认 400ms
		LocateInterval time.Duration // 寻盒蜂鸣翻转间隔，默认 500ms
		StopThrottle   time.Duration // ALARM_STOPPED 去重窗口，默认 5秒
		ScheduleSlots  int           // 本地日程表容量，默认 8
	}

	// 手机端同步配置
	Mobile struct {
		LockTTL      time.Duration // 每键更新锁的自动过期，默认 1秒
		SyncDebounce time.Duration // 后端同步抖动抑制，默认 200ms
		ReplayLimit  int           // 离线重放日志上限，默认 100
		GraceWindow  time.Duration // 报警宽限期，默认 60秒
	}

	// 提醒推送配置（Pushover）
	Notify struct {
		PushoverToken string
		PushoverUser  string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "pillnow")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://127.0.0.1:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pillnow-relay")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":5001")

	cfg.Verifier.BaseURL = getEnv("VERIFIER_URL", "http://127.0.0.1:8000")
	cfg.Verifier.Timeout = 30 * time.Second

	cfg.Scheduler.TickInterval = 1 * time.Second
	cfg.Scheduler.DedupWindow = 2 * time.Minute
	cfg.Scheduler.StaggerDelay = 500 * time.Millisecond
	cfg.Scheduler.PreCapture = getEnv("PRE_CAPTURE", "true") == "true"
	cfg.Scheduler.PreCaptureDelay = 1 * time.Second
	cfg.Scheduler.PruneAge = 6 * time.Hour
	cfg.Scheduler.PruneCap = 500

	cfg.Bus.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "pillnow")
	cfg.Bus.CaptureDebounce = 3 * time.Second
	cfg.Bus.DeviceOverride = getEnv("DEVICE_OVERRIDE", "")

	cfg.Ingest.MismatchLimit = 50
	cfg.Ingest.AlertCooldown = 15 * time.Second

	cfg.Device.ID = getEnv("DEVICE_ID", "container1")
	cfg.Device.AlarmCeiling = 60 * time.Second
	cfg.Device.AlarmInterval = 400 * time.Millisecond
	cfg.Device.LocateInterval = 500 * time.Millisecond
	cfg.Device.StopThrottle = 5 * time.Second
	cfg.Device.ScheduleSlots = 8

	cfg.Mobile.LockTTL = 1 * time.Second
	cfg.Mobile.SyncDebounce = 200 * time.Millisecond
	cfg.Mobile.ReplayLimit = 100
	cfg.Mobile.GraceWindow = 60 * time.Second

	cfg.Notify.PushoverToken = getEnv("PUSHOVER_TOKEN", "")
	cfg.Notify.PushoverUser = getEnv("PUSHOVER_USER", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
