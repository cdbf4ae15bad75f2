package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger modes
const (
	LedgerSimulated = "simulated"
	LedgerEVM       = "evm"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Decision   DecisionConfig   `mapstructure:"decision"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Lark       LarkConfig       `mapstructure:"lark"`
	Receipt    ReceiptConfig    `mapstructure:"receipt"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// DecisionConfig holds the decision boundaries. Amounts are in dollars.
type DecisionConfig struct {
	AutoApproveThreshold float64 `mapstructure:"auto_approve_threshold"`
	RejectThreshold      float64 `mapstructure:"reject_threshold"`
	MaxAutoApproveAmount float64 `mapstructure:"max_auto_approve_amount"`
	AgentName            string  `mapstructure:"agent_name"`
	ConfigVersion        string  `mapstructure:"config_version"`
}

// CategoryCapConfig is a soft and hard limit for one category, in dollars
type CategoryCapConfig struct {
	Soft float64 `mapstructure:"soft"`
	Hard float64 `mapstructure:"hard"`
}

// PolicyConfig holds compliance limits. Amounts are in dollars.
type PolicyConfig struct {
	ReceiptWarnAmount     float64                      `mapstructure:"receipt_warn_amount"`
	ReceiptSoftAmount     float64                      `mapstructure:"receipt_soft_amount"`
	ReceiptHardAmount     float64                      `mapstructure:"receipt_hard_amount"`
	MaxAmountSoft         float64                      `mapstructure:"max_amount_soft"`
	MaxAmountHard         float64                      `mapstructure:"max_amount_hard"`
	MonthlyHardMultiplier float64                      `mapstructure:"monthly_hard_multiplier"`
	DuplicateWindow       time.Duration                `mapstructure:"duplicate_window"`
	CategoryCaps          map[string]CategoryCapConfig `mapstructure:"category_caps"`
}

// RiskConfig locates the trained amount model
type RiskConfig struct {
	ModelPath string `mapstructure:"model_path"`
}

// LedgerConfig holds the payout ledger settings
type LedgerConfig struct {
	Mode             string        `mapstructure:"mode"`
	RPCURL           string        `mapstructure:"rpc_url"`
	ChainID          int64         `mapstructure:"chain_id"`
	TokenAddress     string        `mapstructure:"token_address"`
	TokenDecimals    int           `mapstructure:"token_decimals"`
	PrivateKey       string        `mapstructure:"private_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerOpen      time.Duration `mapstructure:"breaker_open"`
	NotFoundGrace    time.Duration `mapstructure:"not_found_grace"`
	ExplorerURL      string        `mapstructure:"explorer_url"`
}

// SettlementConfig holds the retry sweep and batch settings
type SettlementConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Parallelism   int           `mapstructure:"parallelism"`
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PromptsPath string        `mapstructure:"prompts_path"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

// ReceiptConfig bounds receipt reading
type ReceiptConfig struct {
	MaxPages     int   `mapstructure:"max_pages"`
	MaxUploadMiB int64 `mapstructure:"max_upload_mib"`
}

// TelemetryConfig holds trace export settings
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Load loads configuration from file and environment variables. A missing
// file leaves defaults and environment in effect.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	// Database defaults
	v.SetDefault("database.path", "data/expenses.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	// Decision defaults
	v.SetDefault("decision.auto_approve_threshold", 0.3)
	v.SetDefault("decision.reject_threshold", 0.7)
	v.SetDefault("decision.max_auto_approve_amount", 500.00)
	v.SetDefault("decision.agent_name", "AgentFin")
	v.SetDefault("decision.config_version", "v1")

	// Policy defaults
	v.SetDefault("policy.receipt_warn_amount", 25.0)
	v.SetDefault("policy.receipt_soft_amount", 200.0)
	v.SetDefault("policy.receipt_hard_amount", 1000.0)
	v.SetDefault("policy.max_amount_soft", 10000.0)
	v.SetDefault("policy.max_amount_hard", 25000.0)
	v.SetDefault("policy.monthly_hard_multiplier", 1.5)
	v.SetDefault("policy.duplicate_window", 24*time.Hour)

	// Ledger defaults
	v.SetDefault("ledger.mode", LedgerSimulated)
	v.SetDefault("ledger.token_decimals", 6)
	v.SetDefault("ledger.timeout", 30*time.Second)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.base_delay", 500*time.Millisecond)
	v.SetDefault("ledger.breaker_threshold", 5)
	v.SetDefault("ledger.breaker_open", 30*time.Second)
	v.SetDefault("ledger.not_found_grace", 10*time.Minute)

	// Settlement defaults
	v.SetDefault("settlement.retry_interval", time.Minute)
	v.SetDefault("settlement.batch_size", 20)
	v.SetDefault("settlement.parallelism", 4)

	// OpenAI defaults
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 30*time.Second)

	// Receipt defaults
	v.SetDefault("receipt.max_pages", 3)
	v.SetDefault("receipt.max_upload_mib", 10)

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "expense-approval")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.insecure", true)
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	// Sensitive credentials from environment
	_ = v.BindEnv("ledger.private_key", "LEDGER_PRIVATE_KEY")
	_ = v.BindEnv("ledger.rpc_url", "LEDGER_RPC_URL")
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("lark.app_id", "LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	_ = v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	d := c.Decision
	if d.AutoApproveThreshold < 0 || d.AutoApproveThreshold > 1 {
		return fmt.Errorf("decision.auto_approve_threshold must be between 0 and 1")
	}
	if d.RejectThreshold < 0 || d.RejectThreshold > 1 {
		return fmt.Errorf("decision.reject_threshold must be between 0 and 1")
	}
	if d.AutoApproveThreshold >= d.RejectThreshold {
		return fmt.Errorf("decision.auto_approve_threshold must be below decision.reject_threshold")
	}
	if d.MaxAutoApproveAmount <= 0 {
		return fmt.Errorf("decision.max_auto_approve_amount must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Ledger.Mode {
	case LedgerSimulated:
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required in evm mode")
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("ledger.private_key is required in evm mode")
		}
		if c.Ledger.TokenAddress == "" {
			return fmt.Errorf("ledger.token_address is required in evm mode")
		}
		if c.Ledger.ChainID <= 0 {
			return fmt.Errorf("ledger.chain_id is required in evm mode")
		}
	default:
		return fmt.Errorf("ledger.mode must be %q or %q, got %q", LedgerSimulated, LedgerEVM, c.Ledger.Mode)
	}

	for name, limits := range c.Policy.CategoryCaps {
		if limits.Soft <= 0 || limits.Hard < limits.Soft {
			return fmt.Errorf("policy.category_caps.%s must have 0 < soft <= hard", name)
		}
	}

	return nil
}
