package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the full server configuration, loaded from environment
// variables with an optional .env file.
type Config struct {
	LogLevel string

	SIP     SIPConfig
	Workers WorkersConfig
	Gateway GatewayConfig
	Bridge  BridgeConfig
	Redis   RedisConfig
	AMQP    AMQPConfig
	Metrics MetricsConfig
}

// SIPConfig configures the SIP transport and dialog engine.
type SIPConfig struct {
	Identity      string // SIP username (user part of the AOR)
	Password      string
	Domain        string // SIP domain / realm
	RegistrarAddr string // host:port; resolved via DNS SRV when empty
	LocalHost     string
	LocalPort     int
	MediaPort     int // advertised in the static SDP offer
	Transport     string
	Expires       int // requested registration expiry in seconds
	UserAgent     string
}

// WorkersConfig configures one dispatch pool per worker kind. Commands are
// shell-style argv for the external long-lived control process.
type WorkersConfig struct {
	STTCommand   []string
	TTSCommand   []string
	AgentCommand []string
	CloneCommand []string
	WorkerCount  int

	StartTimeout    time.Duration
	TaskTimeout     time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// GatewayConfig configures the real-time websocket gateway.
type GatewayConfig struct {
	ListenAddr      string
	JWTSecret       string
	APIKeys         map[string]string // key -> tenant id, for non-JWT clients
	MetricsInterval time.Duration
}

// BridgeConfig configures the external audio conversion process.
type BridgeConfig struct {
	Command []string
	Timeout time.Duration
}

// RedisConfig configures the durable call/credential store backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AMQPConfig configures the call event publisher. Empty URL disables it.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string
}

// Load reads configuration from the environment. A .env file at envPath is
// merged first when present; real environment variables win.
func Load(envPath string, logger *logrus.Logger) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
			}
			logger.WithField("path", envPath).Debug("No env file found, using environment only")
		}
	}

	cfg := &Config{
		LogLevel: envString("LOG_LEVEL", "info"),
		SIP: SIPConfig{
			Identity:      envString("SIP_IDENTITY", ""),
			Password:      envString("SIP_PASSWORD", ""),
			Domain:        envString("SIP_DOMAIN", ""),
			RegistrarAddr: envString("SIP_REGISTRAR", ""),
			LocalHost:     envString("SIP_LOCAL_HOST", "0.0.0.0"),
			LocalPort:     envInt("SIP_LOCAL_PORT", 5070),
			MediaPort:     envInt("SIP_MEDIA_PORT", 10000),
			Transport:     envString("SIP_TRANSPORT", "udp"),
			Expires:       envInt("SIP_EXPIRES", 3600),
			UserAgent:     envString("SIP_USER_AGENT", "voicegate"),
		},
		Workers: WorkersConfig{
			STTCommand:   envCommand("WORKER_STT_COMMAND"),
			TTSCommand:   envCommand("WORKER_TTS_COMMAND"),
			AgentCommand: envCommand("WORKER_AGENT_COMMAND"),
			CloneCommand: envCommand("WORKER_CLONE_COMMAND"),
			WorkerCount:  envInt("WORKER_COUNT", 2),

			StartTimeout:    envDuration("WORKER_START_TIMEOUT", 10*time.Second),
			TaskTimeout:     envDuration("WORKER_TASK_TIMEOUT", 30*time.Second),
			PollInterval:    envDuration("WORKER_POLL_INTERVAL", 100*time.Millisecond),
			ShutdownTimeout: envDuration("WORKER_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Gateway: GatewayConfig{
			ListenAddr:      envString("GATEWAY_LISTEN", ":8085"),
			JWTSecret:       envString("GATEWAY_JWT_SECRET", ""),
			APIKeys:         envKeyMap("GATEWAY_API_KEYS"),
			MetricsInterval: envDuration("GATEWAY_METRICS_INTERVAL", 5*time.Second),
		},
		Bridge: BridgeConfig{
			Command: envCommand("AUDIO_BRIDGE_COMMAND"),
			Timeout: envDuration("AUDIO_BRIDGE_TIMEOUT", 2*time.Second),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:      envString("AMQP_URL", ""),
			Exchange: envString("AMQP_EXCHANGE", "voicegate.events"),
		},
		Metrics: MetricsConfig{
			ListenAddr: envString("METRICS_LISTEN", ":9095"),
		},
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.SIP.Identity != "" && c.SIP.Domain == "" {
		return fmt.Errorf("SIP_DOMAIN is required when SIP_IDENTITY is set")
	}
	if c.Workers.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.Workers.PollInterval <= 0 || c.Workers.TaskTimeout <= c.Workers.PollInterval {
		return fmt.Errorf("WORKER_TASK_TIMEOUT must exceed WORKER_POLL_INTERVAL")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envKeyMap parses "key:tenant,key2:tenant2" into a lookup map. Entries
// without a colon are skipped.
func envKeyMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, tenant, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || k == "" || tenant == "" {
			continue
		}
		out[k] = tenant
	}
	return out
}

// envCommand splits a space-separated command line. Arguments with embedded
// spaces are not supported; worker commands are expected to be simple argv.
func envCommand(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := -1
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ' ' {
			if start >= 0 {
				out = append(out, v[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return out
}
