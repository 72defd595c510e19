package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"email-classifier/internal/llm"
	"email-classifier/internal/pipeline"
	"email-classifier/internal/scraper"
	"email-classifier/internal/vectorstore"
	pkgconfig "email-classifier/pkg/config"
	"email-classifier/pkg/otel"
)

// WorkerConfig tunes the email.anonymized consumer.
type WorkerConfig struct {
	Queue       string        `yaml:"queue"`
	Concurrency int           `yaml:"concurrency"`
	Prefetch    int           `yaml:"prefetch"`
	MaxRetries  int           `yaml:"max_retries"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"` // in-flight lease
	RetryTTL    time.Duration `yaml:"retry_ttl"`
}

// OutboxConfig tunes the dispatcher and the index re-sync grace period.
type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxRetries  int           `yaml:"max_retries"`
	Lease       time.Duration `yaml:"lease"`
	ResyncGrace time.Duration `yaml:"resync_grace"`
}

type Config struct {
	LogLevel string                 `yaml:"log_level"`
	DB       pkgconfig.DBConfig     `yaml:"db"`
	MQ       pkgconfig.MQConfig     `yaml:"mq"`
	Redis    pkgconfig.RedisConfig  `yaml:"redis"`
	JWT      pkgconfig.JWTConfig    `yaml:"jwt"`
	Server   pkgconfig.ServerConfig `yaml:"server"`
	OTel     pkgconfig.OTelConfig   `yaml:"otel"`
	Pipeline pipeline.Config        `yaml:"pipeline"`
	Index    vectorstore.Config     `yaml:"index"`
	LLM      llm.Config             `yaml:"llm"`
	Scraper  scraper.Config         `yaml:"scraper"`
	Worker   WorkerConfig           `yaml:"worker"`
	Outbox   OutboxConfig           `yaml:"outbox"`
}

// Load reads config/base.yaml, the CONFIG_ENV overlay and secrets.env, then
// applies environment overrides and defaults.
func Load() (*Config, error) {
	return LoadFrom(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	var cfg Config
	if err := pkgconfig.Load(env, dir, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（生产环境使用）
	overrideFromEnv(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideOTelFromEnv(&cfg.OTel)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if addr := os.Getenv("QDRANT_ADDR"); addr != "" {
		cfg.Index.QdrantAddr = addr
	}
	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Worker.Concurrency = v
		}
	}
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "email-classifier"
	}

	c.Pipeline.ApplyDefaults()
	c.Scraper.ApplyDefaults()
	if c.Index.Dimension == 0 {
		c.Index.Dimension = c.Pipeline.EmbeddingDim
	}
	if c.Pipeline.EmbeddingDim == 0 {
		c.Pipeline.EmbeddingDim = c.Index.Dimension
	}

	if c.Worker.Queue == "" {
		c.Worker.Queue = "email.anonymized.classify.q"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.DedupTTL <= 0 {
		// 处理中租约，只需覆盖单次处理时长
		c.Worker.DedupTTL = 5 * time.Minute
	}
	if c.Worker.RetryTTL <= 0 {
		c.Worker.RetryTTL = time.Hour
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.Lease <= 0 {
		c.Outbox.Lease = 30 * time.Second
	}
	if c.Outbox.ResyncGrace <= 0 {
		c.Outbox.ResyncGrace = time.Minute
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.MQ.URL == "" {
		errs = append(errs, errors.New("mq.url is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.Index.Dimension > 0 && c.Pipeline.EmbeddingDim > 0 && c.Index.Dimension != c.Pipeline.EmbeddingDim {
		errs = append(errs, fmt.Errorf("index.dimension %d does not match pipeline.embedding_dim %d",
			c.Index.Dimension, c.Pipeline.EmbeddingDim))
	}
	switch c.Index.Type {
	case "", vectorstore.TypeMemory, vectorstore.TypePgvector:
	case vectorstore.TypeQdrant:
		if c.Index.QdrantAddr == "" {
			errs = append(errs, errors.New("index.qdrant_addr is required for qdrant"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown index.type %q", c.Index.Type))
	}
	return errors.Join(errs...)
}

// Tracing converts the otel block for one binary.
func (c *Config) Tracing(service string) otel.Config {
	env := c.OTel.Environment
	if env == "" {
		env = pkgconfig.GetConfigEnv()
	}
	return otel.Config{
		ServiceName: c.OTel.ServiceName + "-" + service,
		Environment: env,
		Endpoint:    c.OTel.Endpoint,
		Enabled:     c.OTel.Enabled,
		SampleRatio: c.OTel.SampleRatio,
	}
}
