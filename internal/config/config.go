package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// Config holds the full stackpilot configuration.
type Config struct {
	// HTTPAddr is the listen address of the UI-facing REST API.
	HTTPAddr string `json:"httpAddr"`

	// MCPAddr is the listen address of the agent-facing MCP server.
	MCPAddr string `json:"mcpAddr"`

	// CatalogDir is the directory holding recipe YAML files.
	CatalogDir string `json:"catalogDir"`

	// ChartRepoURL is the Helm repository searched when a recipe is not
	// found in the catalog.
	ChartRepoURL string `json:"chartRepoURL"`

	// Namespace is the Kubernetes namespace workloads are deployed into.
	Namespace string `json:"namespace"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`

	// NodeTimeout bounds how long a node may stay in deploying/deleting
	// before it is failed with a timeout error. Duration fields take Go
	// duration strings ("90s", "5m").
	NodeTimeout metav1.Duration `json:"nodeTimeout"`

	// PollInterval is the reconciliation cadence while a stack is
	// transitional.
	PollInterval metav1.Duration `json:"pollInterval"`

	// RetryBudget is the number of consecutive observation failures
	// tolerated per node before it is marked failed.
	RetryBudget int `json:"retryBudget"`

	// ConfirmationTTL bounds how long a pending destructive action stays
	// confirmable.
	ConfirmationTTL metav1.Duration `json:"confirmationTTL"`

	// Sessions maps static bearer tokens to caller identities. A real
	// deployment plugs in an external identity provider instead.
	Sessions []Session `json:"sessions"`
}

// Session binds a bearer token to a caller identity.
type Session struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		MCPAddr:         ":8090",
		CatalogDir:      "catalog",
		ChartRepoURL:    "https://charts.bitnami.com/bitnami",
		Namespace:       "default",
		LogLevel:        "info",
		NodeTimeout:     metav1.Duration{Duration: 5 * time.Minute},
		PollInterval:    metav1.Duration{Duration: 5 * time.Second},
		RetryBudget:     3,
		ConfirmationTTL: metav1.Duration{Duration: 10 * time.Minute},
	}
}

// Load reads the configuration file at path, applying defaults for any
// field the file leaves unset. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural constraints the zero value cannot express.
func (c Config) Validate() error {
	if c.NodeTimeout.Duration <= 0 {
		return fmt.Errorf("nodeTimeout must be positive")
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("retryBudget must be at least 1")
	}
	if c.CatalogDir == "" {
		return fmt.Errorf("catalogDir is required")
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "stackpilot", "config.yaml")
	}
	return "config.yaml"
}
