package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int           // 0 使用 go-redis 默认值
	DialTimeout time.Duration // 0 使用 go-redis 默认值
}

// MQTTConfig MQTT配置（AWS IoT Core 使用 TLS 双向认证）
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration

	// TLS 证书路径（为空则不启用 TLS）
	CAFile   string
	CertFile string
	KeyFile  string
}

// Configured broker 地址是否已配置
func (c *MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TLSEnabled 是否配置了客户端证书
func (c *MQTTConfig) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			c.DB = d
		}
	}
	if size := os.Getenv(prefix + "_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.PoolSize = n
		}
	}
	if timeout := os.Getenv(prefix + "_DIAL_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.DialTimeout = d
		}
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if timeout := os.Getenv(prefix + "_CONNECT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.ConnectTimeout = d
		}
	}
	if ca := os.Getenv(prefix + "_CA_FILE"); ca != "" {
		c.CAFile = ca
	}
	if cert := os.Getenv(prefix + "_CERT_FILE"); cert != "" {
		c.CertFile = cert
	}
	if key := os.Getenv(prefix + "_KEY_FILE"); key != "" {
		c.KeyFile = key
	}
}
