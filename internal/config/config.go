// Package config loads service configuration from config.yaml and
// SESMAILER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sungwon/sesmailer/internal/deliverylog"
	"github.com/sungwon/sesmailer/internal/dkim"
	"github.com/sungwon/sesmailer/internal/logger"
	"github.com/sungwon/sesmailer/internal/msgstore"
)

// EnvPrefix is prepended to environment overrides, e.g.
// SESMAILER_SES_REGION overrides ses.region.
const EnvPrefix = "SESMAILER"

// Config holds all application configuration.
type Config struct {
	Transport TransportConfig    `mapstructure:"transport"`
	SES       SESConfig          `mapstructure:"ses"`
	DKIM      dkim.Config        `mapstructure:"dkim"`
	Logging   logger.Config      `mapstructure:"logging"`
	API       APIConfig          `mapstructure:"api"`
	SMTP      SMTPConfig         `mapstructure:"smtp"`
	Queue     QueueConfig        `mapstructure:"queue"`
	Archive   msgstore.Config    `mapstructure:"archive"`
	Database  deliverylog.Config `mapstructure:"database"`
	Auth      AuthConfig         `mapstructure:"auth"`
}

// TransportConfig holds the scheduler limits. Zero means unlimited for
// both limits.
type TransportConfig struct {
	ConcurrencyLimit int           `mapstructure:"concurrency_limit" validate:"gte=0"`
	RateLimit        int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateWindow       time.Duration `mapstructure:"rate_window" validate:"gte=0"`
	RatePolicy       string        `mapstructure:"rate_policy" validate:"omitempty,oneof=fixed sliding"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" validate:"gte=0"`
}

// SESConfig selects the SES calling convention. Mode "raw" uses
// SendRawEmail (SES v1), "command" uses the SES v2 SendEmail command.
type SESConfig struct {
	Mode     string `mapstructure:"mode" validate:"oneof=raw command"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// SMTPConfig holds the submission listener configuration.
type SMTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Domain            string        `mapstructure:"domain"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" validate:"gte=0"`
	MaxRecipients     int           `mapstructure:"max_recipients" validate:"gte=0"`
	Username          string        `mapstructure:"username"`
	PasswordHash      string        `mapstructure:"password_hash"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`
	CertFile          string        `mapstructure:"cert_file"`
	KeyFile           string        `mapstructure:"key_file" validate:"required_with=CertFile"`
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// QueueConfig selects the queue driver fed into the transport.
type QueueConfig struct {
	Driver string      `mapstructure:"driver" validate:"omitempty,oneof=redis sqs"`
	Redis  RedisConfig `mapstructure:"redis"`
	SQS    SQSConfig   `mapstructure:"sqs"`
}

// RedisConfig configures the Redis Streams queue.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"gte=0"`
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	DLQStream    string        `mapstructure:"dlq_stream"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// SQSConfig configures the SQS queue.
type SQSConfig struct {
	QueueURL          string        `mapstructure:"queue_url" validate:"omitempty,url"`
	DLQURL            string        `mapstructure:"dlq_url" validate:"omitempty,url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint" validate:"omitempty,url"`
	WaitTime          time.Duration `mapstructure:"wait_time" validate:"gte=0,lte=20s"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gte=0"`
}

// AuthConfig holds the API token settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.concurrency_limit", 0)
	v.SetDefault("transport.rate_limit", 0)
	v.SetDefault("transport.rate_window", time.Second)
	v.SetDefault("transport.rate_policy", "sliding")
	v.SetDefault("transport.send_timeout", time.Minute)

	v.SetDefault("ses.mode", "raw")
	v.SetDefault("ses.region", "")
	v.SetDefault("ses.endpoint", "")

	v.SetDefault("dkim.domain_name", "")
	v.SetDefault("dkim.key_selector", "")
	v.SetDefault("dkim.private_key", "")
	v.SetDefault("dkim.private_key_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 90*time.Second)
	v.SetDefault("api.shutdown_timeout", 30*time.Second)

	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.read_timeout", 30*time.Second)
	v.SetDefault("smtp.write_timeout", 90*time.Second)
	v.SetDefault("smtp.max_message_size", 10<<20)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password_hash", "")
	v.SetDefault("smtp.allow_insecure_auth", false)
	v.SetDefault("smtp.cert_file", "")
	v.SetDefault("smtp.key_file", "")

	v.SetDefault("queue.driver", "")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("queue.redis.stream", "sesmailer:outbound")
	v.SetDefault("queue.redis.group", "sesmailer")
	v.SetDefault("queue.redis.consumer", "")
	v.SetDefault("queue.redis.dlq_stream", "sesmailer:dlq")
	v.SetDefault("queue.redis.block_timeout", 5*time.Second)
	v.SetDefault("queue.sqs.queue_url", "")
	v.SetDefault("queue.sqs.dlq_url", "")
	v.SetDefault("queue.sqs.region", "")
	v.SetDefault("queue.sqs.endpoint", "")
	v.SetDefault("queue.sqs.wait_time", 20*time.Second)
	v.SetDefault("queue.sqs.visibility_timeout", 2*time.Minute)

	v.SetDefault("archive.type", "none")
	v.SetDefault("archive.path", "")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_region", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "sesmailer")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// Load reads config.yaml from dir. A missing file is not an error:
// defaults and environment variables still apply. The result is validated.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError lists every invalid key.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k, msg := range e.Fields {
		keys = append(keys, k+": "+msg)
	}
	sort.Strings(keys)
	return "invalid config: " + strings.Join(keys, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	vld := validator.New(validator.WithRequiredStructEnabled())
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return vld
}

// Validate checks field tags and the cross-section rules tags cannot
// express.
func (c *Config) Validate() error {
	fields := map[string]string{}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			fields[key] = describe(fe)
		}
	}

	switch c.Queue.Driver {
	case "sqs":
		if c.Queue.SQS.QueueURL == "" {
			fields["queue.sqs.queue_url"] = "required when queue.driver is sqs"
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			fields["queue.redis.addr"] = "required when queue.driver is redis"
		}
		if c.Queue.Redis.Stream == "" {
			fields["queue.redis.stream"] = "required when queue.driver is redis"
		}
	}
	if c.DKIM.Enabled() {
		if c.DKIM.DomainName == "" {
			fields["dkim.domain_name"] = "required when DKIM is configured"
		}
		if c.DKIM.KeySelector == "" {
			fields["dkim.key_selector"] = "required when DKIM is configured"
		}
		if c.DKIM.PrivateKey == "" && c.DKIM.PrivateKeyPath == "" {
			fields["dkim.private_key"] = "private_key or private_key_path is required"
		}
	}
	if c.SMTP.Username != "" && c.SMTP.PasswordHash == "" {
		fields["smtp.password_hash"] = "required when smtp.username is set"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "url":
		return "must be a URL"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
