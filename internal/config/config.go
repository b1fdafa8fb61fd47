package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Socket   Socket
	Chat     Chat
	Location Location
	Progress Progress
	Redis    Redis
	Database Database
	Auth     Auth
}

type Socket struct {
	BaseURL              string        `env:"SOCKET_BASE_URL" env-required:"true"`
	OrderEventsPath      string        `env:"SOCKET_ORDER_EVENTS_PATH" env-default:"/order-events"`
	LocationPath         string        `env:"SOCKET_LOCATION_PATH" env-default:"/location"`
	ChatPath             string        `env:"SOCKET_CHAT_PATH" env-default:"/chat"`
	ReconnectInterval    time.Duration `env:"SOCKET_RECONNECT_INTERVAL" env-default:"10s"`
	MaxReconnectAttempts int           `env:"SOCKET_MAX_RECONNECT_ATTEMPTS" env-default:"5"`
	HandshakeTimeout     time.Duration `env:"SOCKET_HANDSHAKE_TIMEOUT" env-default:"10s"`
	ProbeAddr            string        `env:"SOCKET_PROBE_ADDR" env-default:"1.1.1.1:443"`
	ProbeInterval        time.Duration `env:"SOCKET_PROBE_INTERVAL" env-default:"10s"`
}

type Chat struct {
	HistoryTimeout time.Duration `env:"CHAT_HISTORY_TIMEOUT" env-default:"15s"`
}

type Location struct {
	EmitInterval time.Duration `env:"LOCATION_EMIT_INTERVAL" env-default:"5s"`
	ProviderURL  string        `env:"LOCATION_PROVIDER_URL" env-default:"http://127.0.0.1:7777/location"`
}

type Progress struct {
	AckTimeout     time.Duration `env:"PROGRESS_ACK_TIMEOUT" env-default:"10s"`
	RatingCooldown time.Duration `env:"PROGRESS_RATING_COOLDOWN" env-default:"2m"`
}

type Auth struct {
	Token     string `env:"DRIVER_ACCESS_TOKEN" env-required:"true"`
	JWTSecret string `env:"JWT_SECRET" env-required:"true"`
}

type Redis struct {
	Host string `env:"REDIS_HOST" env-required:"true"`
	Port string `env:"REDIS_PORT" env-required:"true"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type Database struct {
	Host     string `env:"POSTGRES_HOST" env-required:"true"`
	Port     string `env:"POSTGRES_PORT" env-required:"true"`
	User     string `env:"POSTGRES_USER" env-required:"true"`
	DBName   string `env:"POSTGRES_DB" env-required:"true"`
	Password string `env:"POSTGRES_PASSWORD" env-required:"true"`
	SSLMode  string `env:"POSTGRES_SSLMODE" env-required:"true"`
}

func (d Database) DSN() string {
	return fmt.Sprintf(
		`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment variables: %w", err)
	}
	return cfg, nil
}
