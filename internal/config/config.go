package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
	FrontendURL  string

	DatabaseDriver string
	DatabaseURL    string

	RabbitMQURL     string
	QueueName       string
	QueuePrefetch   int
	QueueReconnect  time.Duration
	QueueDeadLetter string

	ReadyTimeout     time.Duration
	ReconcileStagger time.Duration
	ReconcileTries   int
	ReconcileBackoff time.Duration
	ReconcileCron    string
	SettleTimeout    time.Duration

	DefaultRegion     string
	MediaFetchTimeout time.Duration
	MediaMaxBytes     int64
	SendRatePerSecond float64

	KafkaBrokers []string
	EventsTopic  string

	LogLevel  string
	LogFormat string
	Transport string
}

type Env interface {
	Getenv(key string) string
}

// viperEnv reads from an optional .env file with process env taking precedence.
type viperEnv struct {
	v *viper.Viper
}

func (e viperEnv) Getenv(key string) string { return e.v.GetString(key) }

func newViperEnv(path string) viperEnv {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine
	v.AutomaticEnv()
	return viperEnv{v: v}
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(newViperEnv(".env"))
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		DatabaseDriver:    "postgres",
		RabbitMQURL:       "amqp://localhost",
		QueueName:         "whatsapp_msg_queue",
		QueuePrefetch:     10,
		QueueReconnect:    5 * time.Second,
		ReadyTimeout:      90 * time.Second,
		ReconcileStagger:  3 * time.Second,
		ReconcileTries:    3,
		ReconcileBackoff:  2 * time.Second,
		SettleTimeout:     30 * time.Second,
		DefaultRegion:     "NG",
		MediaFetchTimeout: 30 * time.Second,
		MediaMaxBytes:     64 << 20,
		EventsTopic:       "wamator-job-events",
		LogLevel:          "info",
		LogFormat:         "console",
		Transport:         "whatsmeow",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	cfg.FrontendURL = env.Getenv("FRONTEND_URL")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		d, err := positiveSeconds(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = d
	}

	if raw := env.Getenv("DATABASE_DRIVER"); raw != "" {
		switch raw {
		case "postgres", "sqlite":
			cfg.DatabaseDriver = raw
		default:
			return Config{}, fmt.Errorf("invalid DATABASE_DRIVER %q", raw)
		}
	}
	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if raw := env.Getenv("RABBITMQ_URL"); raw != "" {
		cfg.RabbitMQURL = raw
	}
	if raw := env.Getenv("QUEUE_NAME"); raw != "" {
		cfg.QueueName = raw
	}
	if raw := env.Getenv("QUEUE_PREFETCH"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid QUEUE_PREFETCH")
		}
		cfg.QueuePrefetch = n
	}
	cfg.QueueDeadLetter = env.Getenv("QUEUE_DEAD_LETTER")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"QUEUE_RECONNECT_SECONDS", &cfg.QueueReconnect},
		{"SESSION_READY_TIMEOUT_SECONDS", &cfg.ReadyTimeout},
		{"RECONCILE_STAGGER_SECONDS", &cfg.ReconcileStagger},
		{"RECONCILE_BACKOFF_SECONDS", &cfg.ReconcileBackoff},
		{"DISPATCH_SETTLE_SECONDS", &cfg.SettleTimeout},
		{"MEDIA_FETCH_TIMEOUT_SECONDS", &cfg.MediaFetchTimeout},
	}
	for _, d := range durations {
		raw := env.Getenv(d.key)
		if raw == "" {
			continue
		}
		v, err := positiveSeconds(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s", d.key)
		}
		*d.dst = v
	}

	if raw := env.Getenv("RECONCILE_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid RECONCILE_ATTEMPTS")
		}
		cfg.ReconcileTries = n
	}
	cfg.ReconcileCron = env.Getenv("RECONCILE_CRON")

	if raw := env.Getenv("DEFAULT_REGION"); raw != "" {
		cfg.DefaultRegion = strings.ToUpper(raw)
	}
	if raw := env.Getenv("MEDIA_MAX_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MEDIA_MAX_BYTES")
		}
		cfg.MediaMaxBytes = n
	}
	if raw := env.Getenv("SEND_RATE_PER_SECOND"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return Config{}, fmt.Errorf("invalid SEND_RATE_PER_SECOND")
		}
		cfg.SendRatePerSecond = f
	}

	cfg.KafkaBrokers = splitList(env.Getenv("KAFKA_BROKERS"))
	if raw := env.Getenv("EVENTS_KAFKA_TOPIC"); raw != "" {
		cfg.EventsTopic = raw
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := env.Getenv("TRANSPORT"); raw != "" {
		switch raw {
		case "whatsmeow", "none":
			cfg.Transport = raw
		default:
			return Config{}, fmt.Errorf("invalid TRANSPORT %q", raw)
		}
	}

	return cfg, nil
}

// AllowedOrigins mirrors the CORS origins the push channel and API accept.
func (c Config) AllowedOrigins() []string {
	origins := []string{"http://localhost:8080"}
	if c.FrontendURL != "" {
		origins = append(origins, c.FrontendURL)
	}
	return origins
}

func positiveSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid seconds %q", raw)
	}
	return time.Duration(seconds) * time.Second, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
