package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// ErrInvalid 表示配置项缺失或取值非法。
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New()

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Store  StoreConfig
	Socket SocketConfig
	Log    LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT,default=8080" validate:"required"`
}

// Addr 返回监听地址，允许直接传入 ":8080" 或 "127.0.0.1:8080"。
func (c ServerConfig) Addr() string {
	port := strings.TrimSpace(c.Port)
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// AuthConfig 描述令牌校验配置。
type AuthConfig struct {
	JWTSecret               string `env:"JWT_SECRET" validate:"required,min=32"`
	AllowInsecureTestTokens bool   `env:"ALLOW_INSECURE_TEST_TOKENS,default=false"`
}

// StoreConfig 选择消息持久化实现。
type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER,default=badger" validate:"oneof=badger memory"`
	BadgerPath string `env:"BADGER_PATH,default=./data/messages"`
}

// SocketConfig 描述每条 WebSocket 连接的参数。
type SocketConfig struct {
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE,default=65536" validate:"gt=0"`
	SendBufferSize int           `env:"SEND_BUFFER_SIZE,default=256" validate:"gt=0"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	PongTimeout    time.Duration `env:"PONG_TIMEOUT,default=60s" validate:"gt=0"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	Format string `env:"LOG_FORMAT,default=console" validate:"oneof=console json"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	sections := []any{&cfg.Server, &cfg.Auth, &cfg.Store, &cfg.Socket, &cfg.Log}
	for _, section := range sections {
		if _, err := env.UnmarshalFromEnviron(section); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if strings.Contains(strings.TrimSpace(cfg.Server.Port), " ") {
		return nil, fmt.Errorf("%w: invalid PORT value: %q", ErrInvalid, cfg.Server.Port)
	}
	if cfg.Store.Driver == "badger" && strings.TrimSpace(cfg.Store.BadgerPath) == "" {
		return nil, fmt.Errorf("%w: BADGER_PATH is required for the badger store", ErrInvalid)
	}
	return &cfg, nil
}

// LoadSecret 只读取签名密钥，供不启动服务的子命令使用。
func LoadSecret() ([]byte, error) {
	var auth AuthConfig
	if _, err := env.UnmarshalFromEnviron(&auth); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate.Struct(&auth); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return []byte(auth.JWTSecret), nil
}
