// Package config loads the ProofMeet service configuration from YAML with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cards     CardsConfig     `yaml:"cards"`
	Notify    NotifyConfig    `yaml:"notify"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN. Empty runs on the in-memory store.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type AuthConfig struct {
	JWTSecret                 string   `yaml:"jwt_secret"`
	TokenTTLHours             int      `yaml:"token_ttl_hours"`
	ApprovedOfficerDomains    []string `yaml:"approved_officer_domains"`
	BypassEmailVerification   bool     `yaml:"bypass_email_verification"`
	SignatureMaxEmailLinkDays int      `yaml:"signature_max_email_link_days"`
}

type PipelineConfig struct {
	GraceWindowMin      int    `yaml:"grace_window_min"`
	WindowRule          string `yaml:"window_rule"` // "max" or "cumulative"
	HeartbeatPeriodSec  int    `yaml:"heartbeat_period_sec"`
	FinalizerTickSec    int    `yaml:"finalizer_tick_sec"`
	SessionIdleGraceMin int    `yaml:"session_idle_grace_min"`
	WebhookSecret       string `yaml:"webhook_secret"`
}

type CardsConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
	HashAlgo      string `yaml:"hash_algo"` // only "sha256" is supported
}

type NotifyConfig struct {
	Workers               int    `yaml:"workers"`
	DigestCutoffLocalTime string `yaml:"digest_cutoff_local_time"` // "HH:MM"

	// Cloud Tasks mail transport. All four must be set to enable it;
	// otherwise mail goes to the log mailer.
	TasksProject  string `yaml:"tasks_project"`
	TasksLocation string `yaml:"tasks_location"`
	TasksQueue    string `yaml:"tasks_queue"`
	MailRelayURL  string `yaml:"mail_relay_url"`
}

// CloudTasksEnabled reports whether the Cloud Tasks mail transport is fully
// configured.
func (n NotifyConfig) CloudTasksEnabled() bool {
	return n.TasksProject != "" && n.TasksLocation != "" && n.TasksQueue != "" && n.MailRelayURL != ""
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Load reads the YAML config at path (missing file is fine, defaults apply),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, decodeErr
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Pipeline.WebhookSecret = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		c.Cards.PublicBaseURL = v
	}
	if v := os.Getenv("APPROVED_OFFICER_DOMAINS"); v != "" {
		c.Auth.ApprovedOfficerDomains = strings.Split(v, ",")
	}
	if v := os.Getenv("TASKS_PROJECT"); v != "" {
		c.Notify.TasksProject = v
	}
	if v := os.Getenv("TASKS_LOCATION"); v != "" {
		c.Notify.TasksLocation = v
	}
	if v := os.Getenv("TASKS_QUEUE"); v != "" {
		c.Notify.TasksQueue = v
	}
	if v := os.Getenv("MAIL_RELAY_URL"); v != "" {
		c.Notify.MailRelayURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Auth.SignatureMaxEmailLinkDays <= 0 {
		c.Auth.SignatureMaxEmailLinkDays = 7
	}
	if c.Pipeline.GraceWindowMin <= 0 {
		c.Pipeline.GraceWindowMin = 10
	}
	if c.Pipeline.WindowRule == "" {
		c.Pipeline.WindowRule = "max"
	}
	if c.Pipeline.HeartbeatPeriodSec <= 0 {
		c.Pipeline.HeartbeatPeriodSec = 30
	}
	if c.Pipeline.FinalizerTickSec <= 0 {
		c.Pipeline.FinalizerTickSec = 120
	}
	if c.Pipeline.SessionIdleGraceMin <= 0 {
		c.Pipeline.SessionIdleGraceMin = 15
	}
	if c.Cards.PublicBaseURL == "" {
		c.Cards.PublicBaseURL = "http://localhost:" + c.Server.Port
	}
	if c.Cards.HashAlgo == "" {
		c.Cards.HashAlgo = "sha256"
	}
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 4
	}
	if c.Notify.DigestCutoffLocalTime == "" {
		c.Notify.DigestCutoffLocalTime = "17:00"
	}
}

// Validate rejects option values the implementation cannot honor. Runs once
// at startup, after defaults and environment overrides.
func (c *Config) Validate() error {
	if c.Cards.HashAlgo != "sha256" {
		return fmt.Errorf("cards.hash_algo %q is not supported, only sha256", c.Cards.HashAlgo)
	}
	switch c.Pipeline.WindowRule {
	case "max", "cumulative":
	default:
		return fmt.Errorf("pipeline.window_rule %q is not supported, use max or cumulative", c.Pipeline.WindowRule)
	}
	return nil
}

// OfficerDomainApproved reports whether an officer email's domain is on the
// approved list. An empty list approves nothing; officer registration is
// closed by default.
func (c *Config) OfficerDomainApproved(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range c.Auth.ApprovedOfficerDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}
