package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iofold/iofold-jobs/internal/data/db"
	"github.com/iofold/iofold-jobs/internal/jobclient"
	"github.com/iofold/iofold-jobs/internal/jobs/worker"
	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/envutil"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime/bus"
)

const (
	BusNone  = "none"
	BusRedis = "redis"
	BusNATS  = "nats"
)

type Config struct {
	Port        string   `yaml:"port"`
	LogMode     string   `yaml:"log_mode"`
	ServiceName string   `yaml:"service_name"`
	CORSOrigins []string `yaml:"cors_origins"`
	RunServer   bool     `yaml:"run_server"`
	RunWorker   bool     `yaml:"run_worker"`

	DB     db.Config     `yaml:"db"`
	Worker worker.Config `yaml:"worker"`

	DeadThreshold   time.Duration `yaml:"dead_threshold"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`

	Bus   string         `yaml:"bus"`
	Redis bus.RedisConfig `yaml:"redis"`
	NATS  bus.NATSConfig  `yaml:"nats"`

	Monitor MonitorConfig `yaml:"monitor"`

	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIModel         string `yaml:"openai_model"`
	OpenAIBaseURL       string `yaml:"openai_base_url"`
	TracePlatformURL    string `yaml:"trace_platform_url"`
	TracePlatformAPIKey string `yaml:"trace_platform_api_key"`
	EvalSandboxURL      string `yaml:"eval_sandbox_url"`

	MetricsEnabled        bool          `yaml:"metrics_enabled"`
	MetricsScrapeInterval time.Duration `yaml:"metrics_scrape_interval"`

	Tracing observability.TracingConfig `yaml:"tracing"`
}

// MonitorConfig holds the client-side defaults handed to jobctl.
type MonitorConfig struct {
	PollInterval time.Duration            `yaml:"poll_interval"`
	Governor     jobclient.GovernorConfig `yaml:"governor"`
}

func defaultConfig() Config {
	return Config{
		Port:        "8080",
		LogMode:     "development",
		ServiceName: "iofold-jobs",
		RunServer:   true,
		RunWorker:   true,
		DB: db.Config{
			Driver:          db.DriverSQLite,
			PostgresHost:    "localhost",
			PostgresPort:    "5432",
			PostgresUser:    "postgres",
			PostgresName:    "iofold",
			PostgresSSLMode: "disable",
		},
		Worker: worker.Config{
			Concurrency:         4,
			PollInterval:        time.Second,
			CancelCheckInterval: 500 * time.Millisecond,
			HeartbeatInterval:   10 * time.Second,
			MaxRuntime:          30 * time.Minute,
		},
		DeadThreshold:   10 * time.Minute,
		ReaperInterval:  time.Minute,
		Retention:       24 * time.Hour,
		JanitorInterval: 5 * time.Minute,
		SSEHeartbeat:    15 * time.Second,
		ShutdownGrace:   15 * time.Second,
		Bus:             BusNone,
		Redis:           bus.RedisConfig{Channel: "jobs"},
		NATS:            bus.NATSConfig{Subject: "iofold.jobs.events"},
		Monitor: MonitorConfig{
			PollInterval: jobclient.DefaultPollInterval,
			Governor:     jobclient.DefaultGovernorConfig(),
		},
		OpenAIModel:           "gpt-4o-mini",
		MetricsScrapeInterval: 10 * time.Second,
		Tracing:               observability.TracingConfig{SampleRatio: 0.1},
	}
}

// LoadConfig reads defaults, then the YAML file named by JOBS_CONFIG_FILE,
// then environment variables (a local .env is loaded first when present).
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv("JOBS_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	cfg.Port = envutil.String("PORT", cfg.Port)
	cfg.LogMode = envutil.String("LOG_MODE", cfg.LogMode)
	cfg.ServiceName = envutil.String("OTEL_SERVICE_NAME", cfg.ServiceName)
	if v := envutil.String("CORS_ORIGINS", ""); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	cfg.RunServer = envutil.Bool("RUN_SERVER", cfg.RunServer)
	cfg.RunWorker = envutil.Bool("RUN_WORKER", cfg.RunWorker)

	cfg.DB.Driver = envutil.String("DB_DRIVER", cfg.DB.Driver)
	cfg.DB.PostgresHost = envutil.String("POSTGRES_HOST", cfg.DB.PostgresHost)
	cfg.DB.PostgresPort = envutil.String("POSTGRES_PORT", cfg.DB.PostgresPort)
	cfg.DB.PostgresUser = envutil.String("POSTGRES_USER", cfg.DB.PostgresUser)
	cfg.DB.PostgresPassword = envutil.String("POSTGRES_PASSWORD", cfg.DB.PostgresPassword)
	cfg.DB.PostgresName = envutil.String("POSTGRES_NAME", cfg.DB.PostgresName)
	cfg.DB.PostgresSSLMode = envutil.String("POSTGRES_SSLMODE", cfg.DB.PostgresSSLMode)
	cfg.DB.SQLitePath = envutil.String("SQLITE_PATH", cfg.DB.SQLitePath)
	cfg.DB.MaxOpenConns = envutil.Int("DB_MAX_OPEN_CONNS", cfg.DB.MaxOpenConns)

	cfg.Worker.Concurrency = envutil.Int("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.PollInterval = envutil.Duration("WORKER_POLL_INTERVAL", cfg.Worker.PollInterval)
	cfg.Worker.CancelCheckInterval = envutil.Duration("JOB_CANCEL_CHECK_INTERVAL", cfg.Worker.CancelCheckInterval)
	cfg.Worker.HeartbeatInterval = envutil.Duration("JOB_HEARTBEAT_INTERVAL", cfg.Worker.HeartbeatInterval)
	cfg.Worker.MaxRuntime = envutil.Duration("JOB_MAX_RUNTIME", cfg.Worker.MaxRuntime)

	cfg.DeadThreshold = envutil.Duration("JOB_DEAD_THRESHOLD", cfg.DeadThreshold)
	cfg.ReaperInterval = envutil.Duration("JOB_REAPER_INTERVAL", cfg.ReaperInterval)
	cfg.Retention = envutil.Duration("JOB_RETENTION", cfg.Retention)
	cfg.JanitorInterval = envutil.Duration("JOB_JANITOR_INTERVAL", cfg.JanitorInterval)
	cfg.SSEHeartbeat = envutil.Duration("SSE_HEARTBEAT", cfg.SSEHeartbeat)
	cfg.ShutdownGrace = envutil.Duration("SHUTDOWN_GRACE", cfg.ShutdownGrace)

	cfg.Bus = strings.ToLower(envutil.String("REALTIME_BUS", cfg.Bus))
	cfg.Redis.Addr = envutil.String("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Channel = envutil.String("REDIS_CHANNEL", cfg.Redis.Channel)
	cfg.NATS.URL = envutil.String("NATS_URL", cfg.NATS.URL)
	cfg.NATS.Subject = envutil.String("NATS_SUBJECT", cfg.NATS.Subject)

	cfg.Monitor.PollInterval = envutil.Duration("MONITOR_POLL_INTERVAL", cfg.Monitor.PollInterval)
	cfg.Monitor.Governor.Rate = envutil.Float("MONITOR_RATE", cfg.Monitor.Governor.Rate)
	cfg.Monitor.Governor.Burst = envutil.Int("MONITOR_BURST", cfg.Monitor.Governor.Burst)
	cfg.Monitor.Governor.Window = envutil.Duration("MONITOR_WINDOW", cfg.Monitor.Governor.Window)
	cfg.Monitor.Governor.WindowMax = envutil.Int("MONITOR_WINDOW_MAX", cfg.Monitor.Governor.WindowMax)
	cfg.Monitor.Governor.MaxRequests = envutil.Int("MONITOR_MAX_REQUESTS", cfg.Monitor.Governor.MaxRequests)

	cfg.OpenAIAPIKey = envutil.String("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = envutil.String("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.OpenAIBaseURL = envutil.String("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.TracePlatformURL = envutil.String("TRACE_PLATFORM_URL", cfg.TracePlatformURL)
	cfg.TracePlatformAPIKey = envutil.String("TRACE_PLATFORM_API_KEY", cfg.TracePlatformAPIKey)
	cfg.EvalSandboxURL = envutil.String("EVAL_SANDBOX_URL", cfg.EvalSandboxURL)

	cfg.MetricsEnabled = envutil.Bool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsScrapeInterval = envutil.Duration("METRICS_SCRAPE_INTERVAL", cfg.MetricsScrapeInterval)

	cfg.Tracing.Enabled = envutil.Bool("OTEL_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.Insecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Tracing.Insecure)
	cfg.Tracing.SampleRatio = envutil.Float("OTEL_SAMPLER_RATIO", cfg.Tracing.SampleRatio)
	if h := observability.ParseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "")); h != nil {
		cfg.Tracing.Headers = h
	}
}

func (c Config) validate() error {
	switch c.Bus {
	case BusNone, "":
	case BusRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REALTIME_BUS=redis requires REDIS_ADDR")
		}
	case BusNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("REALTIME_BUS=nats requires NATS_URL")
		}
	default:
		return fmt.Errorf("unknown REALTIME_BUS %q", c.Bus)
	}
	if !c.RunServer && !c.RunWorker {
		return fmt.Errorf("RUN_SERVER and RUN_WORKER are both off")
	}
	if c.RunServer != c.RunWorker && (c.Bus == BusNone || c.Bus == "") {
		return fmt.Errorf("split server/worker processes need REALTIME_BUS to relay job events")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// LogSummary records the effective settings without secrets.
func (c Config) LogSummary(log *logger.Logger) {
	log.Info("config loaded",
		"port", c.Port,
		"db_driver", c.DB.Driver,
		"run_server", c.RunServer,
		"run_worker", c.RunWorker,
		"worker_concurrency", c.Worker.Concurrency,
		"job_retention", c.Retention.String(),
		"realtime_bus", c.Bus,
		"openai_configured", c.OpenAIAPIKey != "",
		"trace_platform_configured", c.TracePlatformURL != "",
		"eval_sandbox_configured", c.EvalSandboxURL != "",
		"tracing_enabled", c.Tracing.Enabled,
	)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
