package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "mewp-telemetry/common/config"
)

// Config 遥测分发服务配置
type Config struct {
	HTTP struct {
		Addr string
	}

	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig
	MQTT      commoncfg.MQTTConfig

	// Ingestion bridge 配置
	Bridge struct {
		Namespace            string // 主题命名空间，如 "dingli"
		DeviceClass          string // 设备类别，如 "mewp"
		ThingName            string // AWS IoT Thing 名称（即 device-id）
		ExtraTopics          []string
		VehicleID            string // 未携带 vehicleId 时使用的默认车辆ID
		MaxReconnectAttempts int
		InitialBackoff       time.Duration
		MaxBackoff           time.Duration
		RecoveryInterval     time.Duration // simulated 模式下重新探测 broker 的间隔
	}

	// 模拟数据配置
	Simulator struct {
		TelemetryInterval time.Duration
		AlertInterval     time.Duration
		AlertProbability  float64
		VehicleID         string
	}

	Registry struct {
		HealthCheckInterval time.Duration
		HealthCheckTimeout  time.Duration
		SendBuffer          int
	}

	Router struct {
		DeliveryTimeout time.Duration
	}

	Stats struct {
		Interval time.Duration // connection-stats 广播间隔
		Role     string        // 非空时只发给该角色的已认证 observer
	}

	Alert struct {
		StoreEnabled bool
		StoreKey     string
		EvalBuffer   int
	}

	Stream struct {
		Enabled  bool
		Name     string
		MaxLen   int64
		Archive  bool // 同时消费 stream 写入 Postgres mewp_telemetry
		Group    string
		Consumer string
	}

	Auth struct {
		ServiceURL  string
		Timeout     time.Duration
		TrustClaims bool // 本地开发：直接信任客户端声明的身份
	}

	Catalog struct {
		File string
		URL  string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":5000")

	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "mewp"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	// MQTT broker 为空时直接进入 simulated 模式
	cfg.MQTT.ClientID = getEnv("AWS_IOT_THING_NAME", "webdashboard-client")
	cfg.MQTT.QoS = 1
	cfg.MQTT.ConnectTimeout = 10 * time.Second
	cfg.MQTT.LoadFromEnv("MQTT")
	if cfg.MQTT.Broker == "" {
		if endpoint := os.Getenv("AWS_IOT_ENDPOINT"); endpoint != "" {
			cfg.MQTT.Broker = "tls://" + endpoint + ":8883"
		}
	}

	cfg.Bridge.Namespace = getEnv("BRIDGE_NAMESPACE", "dingli")
	cfg.Bridge.DeviceClass = getEnv("BRIDGE_DEVICE_CLASS", "mewp")
	cfg.Bridge.ThingName = getEnv("AWS_IOT_THING_NAME", "")
	cfg.Bridge.ExtraTopics = getEnvList("BRIDGE_EXTRA_TOPICS", []string{"test/topic"})
	cfg.Bridge.VehicleID = getEnv("BRIDGE_VEHICLE_ID", "MEWP-001")
	cfg.Bridge.MaxReconnectAttempts = getEnvInt("BRIDGE_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.Bridge.InitialBackoff = getEnvDuration("BRIDGE_INITIAL_BACKOFF", time.Second)
	cfg.Bridge.MaxBackoff = getEnvDuration("BRIDGE_MAX_BACKOFF", 30*time.Second)
	cfg.Bridge.RecoveryInterval = getEnvDuration("BRIDGE_RECOVERY_INTERVAL", time.Minute)

	cfg.Simulator.TelemetryInterval = getEnvDuration("SIM_TELEMETRY_INTERVAL", 5*time.Second)
	cfg.Simulator.AlertInterval = getEnvDuration("SIM_ALERT_INTERVAL", 30*time.Second)
	cfg.Simulator.AlertProbability = getEnvFloat("SIM_ALERT_PROBABILITY", 0.1)
	cfg.Simulator.VehicleID = getEnv("SIM_VEHICLE_ID", "MEWP-001")

	cfg.Registry.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second)
	cfg.Registry.HealthCheckTimeout = getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*cfg.Registry.HealthCheckInterval)
	cfg.Registry.SendBuffer = getEnvInt("OBSERVER_SEND_BUFFER", 64)

	cfg.Router.DeliveryTimeout = getEnvDuration("ROUTER_DELIVERY_TIMEOUT", 250*time.Millisecond)

	cfg.Stats.Interval = getEnvDuration("CONNECTION_STATS_INTERVAL", 30*time.Second)
	cfg.Stats.Role = getEnv("CONNECTION_STATS_ROLE", "")

	cfg.Alert.StoreEnabled = getEnv("ALERT_STORE_ENABLED", "false") == "true"
	cfg.Alert.StoreKey = getEnv("ALERT_STORE_KEY", "mewp:alerts")
	cfg.Alert.EvalBuffer = getEnvInt("ALERT_EVAL_BUFFER", 256)

	cfg.Stream.Enabled = getEnv("STREAM_ENABLED", "false") == "true"
	cfg.Stream.Name = getEnv("STREAM_NAME", "mewp:telemetry:stream")
	cfg.Stream.MaxLen = int64(getEnvInt("STREAM_MAXLEN", 10000))
	cfg.Stream.Archive = getEnv("STREAM_ARCHIVE_ENABLED", "false") == "true"
	cfg.Stream.Group = getEnv("STREAM_CONSUMER_GROUP", "history-writer")
	cfg.Stream.Consumer = getEnv("STREAM_CONSUMER_NAME", "mewp-telemetry-1")

	cfg.Auth.ServiceURL = getEnv("AUTH_SERVICE_URL", "")
	cfg.Auth.Timeout = getEnvDuration("AUTH_TIMEOUT", 5*time.Second)
	cfg.Auth.TrustClaims = getEnv("AUTH_TRUST_CLAIMS", "false") == "true"

	cfg.Catalog.File = getEnv("PARAMETER_CATALOG_FILE", "")
	cfg.Catalog.URL = getEnv("PARAMETER_CATALOG_URL", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// DeviceTopics 返回 live 模式下订阅的主题列表
// 格式: <namespace>/<device-class>/<device-id>/<messageKind>
func (c *Config) DeviceTopics() []string {
	thing := c.Bridge.ThingName
	if thing == "" {
		thing = "+"
	}
	prefix := c.Bridge.Namespace + "/" + c.Bridge.DeviceClass + "/" + thing + "/"
	topics := []string{prefix + "telemetry", prefix + "alerts", prefix + "status"}
	return append(topics, c.Bridge.ExtraTopics...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
