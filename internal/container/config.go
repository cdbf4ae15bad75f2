// Package container provides dependency injection and lifecycle management
// for the expense approval engine.
package container

import (
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/ledger"
	"github.com/garyjia/expense-approval/internal/infrastructure/worker"
	"github.com/garyjia/expense-approval/internal/tracing"
	"github.com/garyjia/expense-approval/pkg/database"
)

// Ledger modes
const (
	LedgerSimulated = "simulated"
	LedgerEVM       = "evm"
)

// Config holds all configuration for the Container.
// It aggregates configurations for all subsystems.
type Config struct {
	// Database configuration
	Database database.Config

	// AgentName is the actor recorded for automated decisions
	AgentName string

	// Thresholds are the decision boundaries
	Thresholds ai.Thresholds

	// Policy holds the compliance limits
	Policy ai.PolicyLimits

	// Risk configuration
	Risk RiskConfig

	// Ledger configuration
	Ledger LedgerConfig

	// Settlement configuration
	Settlement SettlementConfig

	// OpenAI configuration
	OpenAI OpenAIConfig

	// Lark notification credentials; empty disables IM delivery
	Lark lark.Config

	// Receipt reading configuration
	Receipt ReceiptConfig

	// Telemetry configuration
	Telemetry tracing.Config
}

// RiskConfig locates the trained amount model.
type RiskConfig struct {
	// ModelPath is a JSON logistic model artifact. A missing file degrades
	// the amount layer to its heuristic.
	ModelPath string
}

// LedgerConfig holds the payout ledger settings.
type LedgerConfig struct {
	// Mode is simulated or evm
	Mode string

	// EVM settings, used when Mode is evm
	EVM ledger.EVMConfig

	// CallTimeout bounds one transfer including confirmation
	CallTimeout time.Duration

	// MaxAttempts for transfers that failed before broadcast
	MaxAttempts int

	// BaseDelay is the first retry backoff
	BaseDelay time.Duration

	// NotFoundGrace is how long a signed transfer may stay unknown to the
	// ledger before it is abandoned and paid again
	NotFoundGrace time.Duration

	// BreakerThreshold consecutive failures open the circuit
	BreakerThreshold int

	// BreakerOpen is how long the circuit stays open
	BreakerOpen time.Duration

	// ExplorerURL prefixes tx hashes in exports
	ExplorerURL string
}

// SettlementConfig holds the retry sweep and batch settings.
type SettlementConfig struct {
	// Worker drives the periodic retry sweep
	Worker worker.SettlementWorkerConfig

	// BatchSize caps a batch approval
	BatchSize int

	// Parallelism bounds concurrent batch items
	Parallelism int
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key; empty selects the heuristic parser
	APIKey string

	// Model is the chat model
	Model string

	// Timeout for API calls
	Timeout time.Duration

	// PromptsPath overrides the embedded prompts
	PromptsPath string
}

// ReceiptConfig bounds receipt reading.
type ReceiptConfig struct {
	// MaxPages read from a receipt document
	MaxPages int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: database.Config{
			Path:         "data/expenses.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		AgentName:  "AgentFin",
		Thresholds: ai.DefaultThresholds(),
		Policy:     ai.DefaultPolicyLimits(),
		Ledger: LedgerConfig{
			Mode:             LedgerSimulated,
			CallTimeout:      30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        500 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerOpen:      30 * time.Second,
			NotFoundGrace:    10 * time.Minute,
		},
		Settlement: SettlementConfig{
			Worker:      worker.DefaultSettlementWorkerConfig(),
			BatchSize:   100,
			Parallelism: 4,
		},
		OpenAI: OpenAIConfig{
			Timeout: 30 * time.Second,
		},
		Receipt: ReceiptConfig{
			MaxPages: 3,
		},
		Telemetry: tracing.Config{
			ServiceName: "expense-approval",
		},
	}
}

// Validate checks that required configuration values are present.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	switch c.Ledger.Mode {
	case LedgerSimulated:
	case LedgerEVM:
		if c.Ledger.EVM.RPCURL == "" || c.Ledger.EVM.PrivateKey == "" {
			return fmt.Errorf("evm ledger requires rpc url and private key")
		}
	default:
		return fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode)
	}
	return nil
}
