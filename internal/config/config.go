package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Audit sink names
const (
	AuditSinkLog      = "log"
	AuditSinkDatabase = "database"
	AuditSinkRabbitMQ = "rabbitmq"
)

// Database driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Convertor ConvertorConfig `yaml:"convertor"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// ConvertorConfig holds job execution limits and the engine command
type ConvertorConfig struct {
	JobTimeout        time.Duration   `yaml:"job_timeout"`
	QueueTimeout      time.Duration   `yaml:"queue_timeout"`
	MaxConcurrentJobs int             `yaml:"max_concurrent_jobs"`
	QueueDepth        int             `yaml:"queue_depth"`
	MaxUploadSize     int64           `yaml:"max_upload_size"`
	WorkspaceRoot     string          `yaml:"workspace_root"`
	Engine            EngineConfig    `yaml:"engine"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// EngineConfig describes the external CAD engine invocation
type EngineConfig struct {
	Binary           string        `yaml:"binary"`
	Args             []string      `yaml:"args"`
	DiagnosticsLimit int           `yaml:"diagnostics_limit"`
	KillGrace        time.Duration `yaml:"kill_grace"`
}

// RateLimitConfig holds the per-client token bucket for /convert
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AuditConfig selects where audit records go
type AuditConfig struct {
	Sink           string        `yaml:"sink"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	InsertTimeout  time.Duration `yaml:"insert_timeout"`
}

// DatabaseConfig holds SQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// WorkerConfig holds audit worker configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	InsertTimeout   time.Duration `yaml:"insert_timeout"`
	RequeueDelay    time.Duration `yaml:"requeue_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "cad-convertor",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    180 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Convertor: ConvertorConfig{
			JobTimeout:        120 * time.Second,
			QueueTimeout:      30 * time.Second,
			MaxConcurrentJobs: 2,
			QueueDepth:        8,
			MaxUploadSize:     50 << 20,
			WorkspaceRoot:     filepath.Join(os.TempDir(), "cad-convertor"),
			Engine: EngineConfig{
				Binary:           "freecadcmd",
				Args:             []string{"scripts/freecad_convert.py", "{operation}", "{input}", "{output}", "{tolerance}"},
				DiagnosticsLimit: 16 * 1024,
				KillGrace:        5 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
		Audit: AuditConfig{
			Sink:           AuditSinkLog,
			PublishTimeout: 5 * time.Second,
			InsertTimeout:  5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Host:  "localhost",
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "conversion_audit_exchange",
				Type:    "direct",
				Durable: true,
			},
			Queue: QueueConfig{
				Name:    "conversion_audit_queue",
				Durable: true,
			},
			RoutingKey: "conversion.audit",
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 30 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     200 * time.Millisecond,
				BackoffMultiplier: 2,
			},
			Consumer: ConsumerConfig{
				PrefetchCount: 10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			InsertTimeout:   5 * time.Second,
			RequeueDelay:    2 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads and parses the configuration file on top of the defaults. An
// empty path returns the defaults.
func Load(configPath string) (*Config, error) {
	config := Default()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides configuration values from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &c.Server.Port},
		{"MAX_CONCURRENT_JOBS", &c.Convertor.MaxConcurrentJobs},
		{"QUEUE_DEPTH", &c.Convertor.QueueDepth},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
			}
			*e.dst = n
		}
	}

	if v, ok := lookup("MAX_UPLOAD_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: %w", v, err)
		}
		c.Convertor.MaxUploadSize = n
	}

	if v, ok := lookup("JOB_TIMEOUT"); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JOB_TIMEOUT %q: %w", v, err)
		}
		c.Convertor.JobTimeout = d
	}

	if v, ok := lookup("QUEUE_TIMEOUT"); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_TIMEOUT %q: %w", v, err)
		}
		c.Convertor.QueueTimeout = d
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"WORKSPACE_ROOT", &c.Convertor.WorkspaceRoot},
		{"ENGINE_BINARY", &c.Convertor.Engine.Binary},
		{"AUDIT_SINK", &c.Audit.Sink},
		{"LOG_LEVEL", &c.Logging.Level},
		{"DATABASE_DRIVER", &c.Database.Driver},
		{"DATABASE_PATH", &c.Database.Path},
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
	}
	for _, e := range strs {
		if v, ok := lookup(e.key); ok && v != "" {
			*e.dst = v
		}
	}

	return nil
}

// parseDuration accepts Go durations ("90s") or plain seconds ("90")
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// ValidateServiceConfig checks the settings the conversion service needs
func (c *Config) ValidateServiceConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be greater than 0")
	}

	cv := c.Convertor
	if cv.JobTimeout <= 0 {
		return fmt.Errorf("convertor job_timeout must be greater than 0")
	}

	if cv.QueueTimeout <= 0 {
		return fmt.Errorf("convertor queue_timeout must be greater than 0")
	}

	// A request may wait in the queue and then run for the full job timeout;
	// the error body has to fit in the write window
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= cv.QueueTimeout+cv.JobTimeout {
		return fmt.Errorf("server write_timeout (%s) must exceed convertor queue_timeout + job_timeout (%s)",
			c.Server.WriteTimeout, cv.QueueTimeout+cv.JobTimeout)
	}

	if cv.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("convertor max_concurrent_jobs must be greater than 0")
	}

	if cv.QueueDepth < 0 {
		return fmt.Errorf("convertor queue_depth cannot be negative")
	}

	if cv.MaxUploadSize <= 0 {
		return fmt.Errorf("convertor max_upload_size must be greater than 0")
	}

	if cv.WorkspaceRoot == "" {
		return fmt.Errorf("convertor workspace_root is required")
	}

	if cv.Engine.Binary == "" {
		return fmt.Errorf("convertor engine binary is required")
	}

	if cv.RateLimit.Enabled && (cv.RateLimit.RequestsPerSecond <= 0 || cv.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requests_per_second and burst must be greater than 0")
	}

	if c.Audit.PublishTimeout <= 0 || c.Audit.InsertTimeout <= 0 {
		return fmt.Errorf("audit publish_timeout and insert_timeout must be greater than 0")
	}

	switch c.Audit.Sink {
	case AuditSinkLog:
	case AuditSinkDatabase:
		return c.validateDatabase()
	case AuditSinkRabbitMQ:
		return c.validateRabbitMQ()
	default:
		return fmt.Errorf("invalid audit sink %q (must be %s, %s or %s)", c.Audit.Sink, AuditSinkLog, AuditSinkDatabase, AuditSinkRabbitMQ)
	}

	return nil
}

// ValidateWorkerConfig checks the settings the audit worker needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.InsertTimeout <= 0 {
		return fmt.Errorf("worker insert_timeout must be greater than 0")
	}

	if c.Worker.RequeueDelay < 0 {
		return fmt.Errorf("worker requeue_delay must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("invalid database driver %q (must be %s or %s)", c.Database.Driver, DriverPostgres, DriverSQLite)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
