package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Development fallbacks. Load reports which of them are in use so main can warn.
const (
	devSessionSecret = "dev-session-secret"
	devJWTSecret     = "dev-jwt-secret"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Session    SessionConfig
	JWT        JWTConfig
	Captcha    CaptchaConfig
	Classifier ClassifierConfig
	Upload     UploadConfig
	S3         S3Config
	Log        LogConfig
	Sentry     SentryConfig
	Login      LoginConfig

	// Insecure lists settings that fell back to development defaults.
	Insecure []string
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies are the CIDRs or addresses whose X-Forwarded-For is believed.
	// Empty means the client address is always the TCP peer.
	TrustedProxies []string
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

// RedisConfig is optional; an empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SessionConfig struct {
	Secret string
	MaxAge time.Duration
	Secure bool
}

type JWTConfig struct {
	Secret   string
	Audience string
	TTL      time.Duration
}

// CaptchaConfig disables the bot gate when Secret is empty.
type CaptchaConfig struct {
	Secret    string
	SiteKey   string
	VerifyURL string
	Timeout   time.Duration
}

type ClassifierConfig struct {
	Backend   string
	ModelPath string
	GRPCAddr  string
	Threads   int
	Timeout   time.Duration
}

type UploadConfig struct {
	Dir     string
	MaxSize int64
	Backend string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	Prefix          string
}

type LogConfig struct {
	Level string
	File  string
}

type SentryConfig struct {
	DSN         string
	Environment string
}

// LoginConfig throttles credential submissions per client IP.
type LoginConfig struct {
	RatePerMinute int
	Burst         int
}

// Load reads configuration from defaults, an optional YAML file and the environment,
// in increasing order of precedence. Environment names are the upper-snake form of
// the keys, e.g. SERVER_ADDR or CLASSIFIER_MODEL_PATH.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("config", "RETINA_CONFIG")

	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			TrustedProxies:  splitList(v.GetStringSlice("server.trusted_proxies")),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Session: SessionConfig{
			Secret: v.GetString("session.secret"),
			MaxAge: v.GetDuration("session.max_age"),
			Secure: v.GetBool("session.secure"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			Audience: v.GetString("jwt.audience"),
			TTL:      v.GetDuration("jwt.ttl"),
		},
		Captcha: CaptchaConfig{
			Secret:    v.GetString("captcha.secret"),
			SiteKey:   v.GetString("captcha.site_key"),
			VerifyURL: v.GetString("captcha.verify_url"),
			Timeout:   v.GetDuration("captcha.timeout"),
		},
		Classifier: ClassifierConfig{
			Backend:   strings.ToLower(v.GetString("classifier.backend")),
			ModelPath: v.GetString("classifier.model_path"),
			GRPCAddr:  v.GetString("classifier.grpc_addr"),
			Threads:   v.GetInt("classifier.threads"),
			Timeout:   v.GetDuration("classifier.timeout"),
		},
		Upload: UploadConfig{
			Dir:     v.GetString("upload.dir"),
			MaxSize: v.GetInt64("upload.max_size"),
			Backend: strings.ToLower(v.GetString("upload.backend")),
		},
		S3: S3Config{
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
			Bucket:          v.GetString("s3.bucket"),
			Region:          v.GetString("s3.region"),
			Prefix:          v.GetString("s3.prefix"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		Sentry: SentryConfig{
			DSN:         v.GetString("sentry.dsn"),
			Environment: v.GetString("sentry.environment"),
		},
		Login: LoginConfig{
			RatePerMinute: v.GetInt("login.rate"),
			Burst:         v.GetInt("login.burst"),
		},
	}

	if cfg.Session.Secret == devSessionSecret {
		cfg.Insecure = append(cfg.Insecure, "session.secret")
	}
	if cfg.JWT.Secret == devJWTSecret {
		cfg.Insecure = append(cfg.Insecure, "jwt.secret")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "users.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("session.secret", devSessionSecret)
	v.SetDefault("session.max_age", 7*24*time.Hour)
	v.SetDefault("session.secure", false)

	v.SetDefault("jwt.secret", devJWTSecret)
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.ttl", 24*time.Hour)

	v.SetDefault("captcha.secret", "")
	v.SetDefault("captcha.site_key", "")
	v.SetDefault("captcha.verify_url", "https://www.google.com/recaptcha/api/siteverify")
	v.SetDefault("captcha.timeout", 5*time.Second)

	v.SetDefault("classifier.backend", "tflite")
	v.SetDefault("classifier.model_path", "models/diabetic_retinopathy_model.tflite")
	v.SetDefault("classifier.grpc_addr", "classifier:50051")
	v.SetDefault("classifier.threads", 0)
	v.SetDefault("classifier.timeout", 30*time.Second)

	v.SetDefault("upload.dir", "static/uploads")
	v.SetDefault("upload.max_size", 10*1024*1024) // 10MB
	v.SetDefault("upload.backend", "local")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.bucket", "retina-uploads")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.prefix", "uploads/")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")

	v.SetDefault("login.rate", 5)
	v.SetDefault("login.burst", 5)
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Classifier.Backend {
	case "tflite", "grpc":
	default:
		return fmt.Errorf("unsupported classifier backend %q", c.Classifier.Backend)
	}
	switch c.Upload.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("unsupported upload backend %q", c.Upload.Backend)
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.max_size must be positive, got %d", c.Upload.MaxSize)
	}
	if c.Login.RatePerMinute <= 0 || c.Login.Burst <= 0 {
		return fmt.Errorf("login.rate and login.burst must be positive")
	}
	return nil
}

// CaptchaEnabled reports whether uploads are gated by the bot check.
func (c *Config) CaptchaEnabled() bool {
	return c.Captcha.Secret != ""
}
