// Package config provides environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// serverNames are the logical deploy targets recognized in the
// environment, e.g. STAGING_HOST enables the "staging" entry.
var serverNames = []string{"staging", "production", "kozak_demo"}

// ServerConfig describes one SSH-reachable deploy target.
type ServerConfig struct {
	Name      string
	Host      string
	SSHUser   string
	SSHPort   int
	RepoDir   string
	DBName    string
	Container string
	Port      int
}

// Addr returns the SSH dial address for the server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.SSHPort)
}

// Config contains all application configuration loaded from environment.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev"`
	WorkerName string `env:"WORKER_NAME" envDefault:"flowd-worker"`

	// Engine gateway (gRPC + REST).
	ZeebeAddress      string `env:"ZEEBE_ADDRESS" envDefault:"zeebe:26500"`
	ZeebeRESTAddress  string `env:"ZEEBE_REST_ADDRESS" envDefault:"http://zeebe:8080"`
	ZeebeClientID     string `env:"ZEEBE_CLIENT_ID" validate:"required_with=ZeebeClientSecret ZeebeTokenURL"`
	ZeebeClientSecret string `env:"ZEEBE_CLIENT_SECRET" validate:"required_with=ZeebeClientID ZeebeTokenURL"`
	ZeebeTokenURL     string `env:"ZEEBE_TOKEN_URL" validate:"required_with=ZeebeClientID ZeebeClientSecret"`
	ZeebeAudience     string `env:"ZEEBE_AUDIENCE"`
	ZeebeUseTLS       bool   `env:"ZEEBE_USE_TLS" envDefault:"false"`

	// GitHub.
	GitHubToken         string `env:"GITHUB_TOKEN"`
	DeployPAT           string `env:"DEPLOY_PAT"`
	GitHubWebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
	Repository          string `env:"REPOSITORY" envDefault:"tut-ua/odoo-enterprise"`

	// Webhook ingress.
	WebhookHost           string        `env:"WEBHOOK_HOST" envDefault:"0.0.0.0"`
	WebhookPort           int           `env:"WEBHOOK_PORT" envDefault:"9001"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9090"`

	// Odoo task webhook (outbound) and inbound token.
	OdooWebhookToken string `env:"ODOO_WEBHOOK_TOKEN"`
	OdooWebhookURL   string `env:"ODOO_WEBHOOK_URL"`
	OdooProjectID    int    `env:"ODOO_PROJECT_ID" envDefault:"0"`
	OdooAssigneeID   int    `env:"ODOO_ASSIGNEE_ID" envDefault:"0"`

	// SSH access to deploy targets.
	SSHKeyPath string `env:"SSH_KEY_PATH" envDefault:"~/.ssh/id_ed25519"`

	// Passed through to the PR review agent container.
	OpenRouterAPIKey string `env:"OPENROUTER_API_KEY"`

	// Servers holds the deploy targets discovered from <NAME>_HOST
	// prefixed variables. Populated by Load, not parsed by env tags.
	Servers map[string]ServerConfig `env:"-"`
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	servers, err := loadServers()
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.Servers = servers
	if strings.HasPrefix(cfg.SSHKeyPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.SSHKeyPath = home + cfg.SSHKeyPath[1:]
		}
	}
	return cfg, nil
}

// loadServers probes the fixed server name list for a <NAME>_HOST
// variable and fills remaining fields from prefixed variables or
// defaults. The container name defaults to the logical server name.
func loadServers() (map[string]ServerConfig, error) {
	servers := make(map[string]ServerConfig, len(serverNames))
	for _, name := range serverNames {
		prefix := strings.ToUpper(name) + "_"
		host := os.Getenv(prefix + "HOST")
		if host == "" {
			continue
		}
		sshPort, err := envIntOr(prefix+"SSH_PORT", 22)
		if err != nil {
			return nil, err
		}
		port, err := envIntOr(prefix+"PORT", 8069)
		if err != nil {
			return nil, err
		}
		servers[name] = ServerConfig{
			Name:      name,
			Host:      host,
			SSHUser:   envOr(prefix+"SSH_USER", "deploy"),
			SSHPort:   sshPort,
			RepoDir:   envOr(prefix+"REPO_DIR", "/opt/odoo-enterprise"),
			DBName:    envOr(prefix+"DB_NAME", "odoo19"),
			Container: envOr(prefix+"CONTAINER", name),
			Port:      port,
		}
	}
	return servers, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envIntOr rejects set-but-unparsable values instead of masking a
// typo with the default.
func envIntOr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: not an integer", key, v)
	}
	return n, nil
}

// ResolveServer finds a deploy target by logical name, falling back to
// a match on the host field so jobs may carry either form.
func (c Config) ResolveServer(nameOrHost string) (ServerConfig, error) {
	if s, ok := c.Servers[nameOrHost]; ok {
		return s, nil
	}
	for _, s := range c.Servers {
		if s.Host == nameOrHost {
			return s, nil
		}
	}
	return ServerConfig{}, fmt.Errorf("no server config for %q", nameOrHost)
}

// UseOAuth reports whether gateway calls must carry an OAuth2 token.
func (c Config) UseOAuth() bool {
	return c.ZeebeClientID != "" && c.ZeebeClientSecret != "" && c.ZeebeTokenURL != ""
}

// WebhookAddr returns the listen address for the webhook server.
func (c Config) WebhookAddr() string {
	return fmt.Sprintf("%s:%d", c.WebhookHost, c.WebhookPort)
}

// IsDev returns true when running in the development environment.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

// IsProd returns true when running in the production environment.
func (c Config) IsProd() bool { return c.AppEnv == "prod" }

// IsTest returns true when running under tests.
func (c Config) IsTest() bool { return c.AppEnv == "test" }
