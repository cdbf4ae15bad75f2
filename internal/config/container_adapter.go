package config

import (
	"time"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/container"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/ledger"
	"github.com/garyjia/expense-approval/internal/infrastructure/worker"
	"github.com/garyjia/expense-approval/internal/tracing"
	"github.com/garyjia/expense-approval/pkg/database"
)

// ToContainerConfig converts the application Config to a container.Config.
// Dollar amounts become cents; category caps override the default policy
// per category.
func (c *Config) ToContainerConfig() *container.Config {
	policy := ai.DefaultPolicyLimits()
	p := c.Policy
	policy.ReceiptWarnCents = entity.AmountToCents(p.ReceiptWarnAmount)
	policy.ReceiptSoftCents = entity.AmountToCents(p.ReceiptSoftAmount)
	policy.ReceiptHardCents = entity.AmountToCents(p.ReceiptHardAmount)
	policy.MaxAmountSoftCents = entity.AmountToCents(p.MaxAmountSoft)
	policy.MaxAmountHardCents = entity.AmountToCents(p.MaxAmountHard)
	policy.MonthlyHardMultiplier = p.MonthlyHardMultiplier
	policy.DuplicateWindow = p.DuplicateWindow
	for name, limits := range p.CategoryCaps {
		policy.CategoryCaps[entity.Category(name)] = ai.CategoryCap{
			SoftCents: entity.AmountToCents(limits.Soft),
			HardCents: entity.AmountToCents(limits.Hard),
		}
	}

	return &container.Config{
		Database: database.Config{
			Path:            c.Database.Path,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
		},
		AgentName: c.Decision.AgentName,
		Thresholds: ai.Thresholds{
			AutoApprove:         c.Decision.AutoApproveThreshold,
			Reject:              c.Decision.RejectThreshold,
			MaxAutoApproveCents: entity.AmountToCents(c.Decision.MaxAutoApproveAmount),
			ConfigVersion:       c.Decision.ConfigVersion,
			UpdatedAt:           time.Now().UTC(),
		},
		Policy: policy,
		Risk: container.RiskConfig{
			ModelPath: c.Risk.ModelPath,
		},
		Ledger: container.LedgerConfig{
			Mode: c.Ledger.Mode,
			EVM: ledger.EVMConfig{
				RPCURL:         c.Ledger.RPCURL,
				PrivateKey:     c.Ledger.PrivateKey,
				ChainID:        c.Ledger.ChainID,
				TokenAddress:   c.Ledger.TokenAddress,
				TokenDecimals:  c.Ledger.TokenDecimals,
				ConfirmTimeout: c.Ledger.Timeout,
				PollInterval:   c.Ledger.PollInterval,
			},
			CallTimeout:      c.Ledger.Timeout,
			MaxAttempts:      c.Ledger.MaxAttempts,
			BaseDelay:        c.Ledger.BaseDelay,
			BreakerThreshold: c.Ledger.BreakerThreshold,
			BreakerOpen:      c.Ledger.BreakerOpen,
			NotFoundGrace:    c.Ledger.NotFoundGrace,
			ExplorerURL:      c.Ledger.ExplorerURL,
		},
		Settlement: container.SettlementConfig{
			Worker: worker.SettlementWorkerConfig{
				Interval:     c.Settlement.RetryInterval,
				BatchSize:    c.Settlement.BatchSize,
				SweepTimeout: 5 * time.Minute,
			},
			BatchSize:   c.Settlement.BatchSize,
			Parallelism: c.Settlement.Parallelism,
		},
		OpenAI: container.OpenAIConfig{
			APIKey:      c.OpenAI.APIKey,
			Model:       c.OpenAI.Model,
			Timeout:     c.OpenAI.Timeout,
			PromptsPath: c.OpenAI.PromptsPath,
		},
		Lark: lark.Config{
			AppID:     c.Lark.AppID,
			AppSecret: c.Lark.AppSecret,
		},
		Receipt: container.ReceiptConfig{
			MaxPages: c.Receipt.MaxPages,
		},
		Telemetry: tracing.Config{
			Endpoint:    c.Telemetry.OTLPEndpoint,
			ServiceName: c.Telemetry.ServiceName,
			SampleRatio: c.Telemetry.SampleRatio,
			Insecure:    c.Telemetry.Insecure,
		},
	}
}
