package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	infisical "github.com/infisical/go-sdk"
	"gopkg.in/yaml.v3"
)

type SMTP struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" default:"587" validate:"gte=1,lte=65535"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
}

type Config struct {
	DataDir             string        `yaml:"data_dir" default:"data" validate:"required"`
	Profile             string        `yaml:"profile" default:"weekly" validate:"oneof=weekly daily"`
	SmoothingWindowDays int           `yaml:"smoothing_window_days" default:"7" validate:"gte=1,lte=90"`
	HistoryDays         int           `yaml:"history_days" default:"730" validate:"gte=1"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" default:"15s" validate:"gte=1s,lte=2m"`
	RunTimeout          time.Duration `yaml:"run_timeout" default:"2m" validate:"gte=5s"`
	Timezone            string        `yaml:"timezone" default:"UTC"`
	Schedule            string        `yaml:"schedule" default:"0 30 0 * * *"`
	ETFRenderer         string        `yaml:"etf_renderer" default:"http" validate:"oneof=http chrome"`

	Port           string `yaml:"port" default:"8080"`
	FrontendOrigin string `yaml:"frontend_origin" default:"*"`
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`

	FREDAPIKey  string `yaml:"fred_api_key"`
	DatabaseURL string `yaml:"database_url"`

	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	DedupTTL      time.Duration `yaml:"dedup_ttl" default:"168h"`

	TelegramToken   string   `yaml:"telegram_token"`
	TelegramChatIDs []int64  `yaml:"telegram_chat_ids"`
	SMTP            SMTP     `yaml:"smtp"`
	AlertEmails     []string `yaml:"alert_emails" validate:"dive,email"`
}

// Location resolves Timezone, which has already been validated by Load.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

var validate = validator.New()

// Load builds the configuration: struct defaults, then the YAML file at
// path (if non-empty), then environment variables, then Infisical for any
// secret still unset.
func Load(path string) (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("config defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if auth, ok := infisicalFromEnv(); ok {
		// Secrets missing after a partial failure surface as disabled
		// features, not as a load error.
		if err := fillFromInfisical(auth, cfg.secretTargets()); err != nil {
			slog.Warn("infisical secrets incomplete", "error", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return cfg, fmt.Errorf("invalid config: timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.DataDir = envOr("RISK_DATA_DIR", cfg.DataDir)
	cfg.Profile = envOr("RISK_PROFILE", cfg.Profile)
	cfg.Timezone = envOr("RISK_TZ", cfg.Timezone)
	cfg.Schedule = envOr("RISK_SCHEDULE", cfg.Schedule)
	cfg.ETFRenderer = envOr("ETF_RENDERER", cfg.ETFRenderer)
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.FrontendOrigin = envOr("FRONTEND_ORIGIN", cfg.FrontendOrigin)
	cfg.PushgatewayURL = envOr("PUSHGATEWAY_URL", cfg.PushgatewayURL)
	cfg.FREDAPIKey = envOr("FRED_API_KEY", cfg.FREDAPIKey)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.TelegramToken = envOr("TELEGRAM_BOT_TOKEN", cfg.TelegramToken)
	cfg.SMTP.Host = envOr("SMTP_HOST", cfg.SMTP.Host)
	cfg.SMTP.User = envOr("SMTP_USER", cfg.SMTP.User)
	cfg.SMTP.Pass = envOr("SMTP_PASS", cfg.SMTP.Pass)
	cfg.SMTP.From = envOr("SMTP_FROM", cfg.SMTP.From)

	var errs []error
	if v := os.Getenv("SMOOTHING_WINDOW_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SMOOTHING_WINDOW_DAYS: %w", err))
		}
		cfg.SmoothingWindowDays = n
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SMTP_PORT: %w", err))
		}
		cfg.SMTP.Port = n
	}
	if v := os.Getenv("TELEGRAM_CHAT_IDS"); v != "" {
		ids, err := parseChatIDs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_IDS: %w", err))
		}
		cfg.TelegramChatIDs = ids
	}
	if v := os.Getenv("ALERT_EMAILS"); v != "" {
		cfg.AlertEmails = splitList(v)
	}
	return errors.Join(errs...)
}

// infisicalAuth is read from the environment only; it is never part of the
// YAML file.
type infisicalAuth struct {
	clientID, clientSecret, projectID, siteURL, env string
}

func infisicalFromEnv() (infisicalAuth, bool) {
	a := infisicalAuth{
		clientID:     os.Getenv("INFISICAL_CLIENT_ID"),
		clientSecret: os.Getenv("INFISICAL_CLIENT_SECRET"),
		projectID:    os.Getenv("INFISICAL_PROJECT_ID"),
		siteURL: envOr("INFISICAL_SITE_URL",
			"http://infisical-infisical-standalone-infisical.infisical.svc.cluster.local:8080"),
		env: envOr("INFISICAL_ENV", "prod"),
	}
	return a, a.clientID != "" && a.clientSecret != ""
}

// secretTargets maps Infisical keys to the fields they may fill.
func (c *Config) secretTargets() map[string]*string {
	return map[string]*string{
		"FRED_API_KEY":       &c.FREDAPIKey,
		"DATABASE_URL":       &c.DatabaseURL,
		"REDIS_PASSWORD":     &c.RedisPassword,
		"TELEGRAM_BOT_TOKEN": &c.TelegramToken,
		"SMTP_PASS":          &c.SMTP.Pass,
	}
}

// fillFromInfisical sets every empty target it can retrieve. A failure on
// one key does not stop the others.
func fillFromInfisical(auth infisicalAuth, targets map[string]*string) error {
	if auth.projectID == "" {
		return errors.New("INFISICAL_PROJECT_ID not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          auth.siteURL,
		AutoTokenRefresh: false,
	})
	if _, err := client.Auth().UniversalAuthLogin(auth.clientID, auth.clientSecret); err != nil {
		return fmt.Errorf("infisical auth: %w", err)
	}

	var errs []error
	for key, target := range targets {
		if *target != "" {
			continue
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: auth.env,
			ProjectID:   auth.projectID,
			SecretPath:  "/",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*target = secret.SecretValue
		slog.Info("loaded secret from infisical", "key", key)
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitList splits a comma- or semicolon-separated list, dropping blanks.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseChatIDs(s string) ([]int64, error) {
	var ids []int64
	for _, f := range splitList(s) {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chat id %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
