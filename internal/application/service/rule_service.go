package service

import (
	"context"
	"fmt"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

// RuleService manages routing rules. Mutations are restricted to admins.
type RuleService interface {
	List(ctx context.Context, activeOnly bool) ([]*entity.ApprovalRule, error)
	Get(ctx context.Context, id int64) (*entity.ApprovalRule, error)
	Create(ctx context.Context, actor *entity.Employee, rule *entity.ApprovalRule) (*entity.ApprovalRule, error)
	Update(ctx context.Context, actor *entity.Employee, id int64, rule *entity.ApprovalRule) (*entity.ApprovalRule, error)
	Toggle(ctx context.Context, actor *entity.Employee, id int64) (*entity.ApprovalRule, error)
	Delete(ctx context.Context, actor *entity.Employee, id int64) error
}

type ruleServiceImpl struct {
	repo       port.ApprovalRuleRepository
	dispatcher dispatcher.Dispatcher
	logger     Logger
}

// NewRuleService creates a new RuleService
func NewRuleService(repo port.ApprovalRuleRepository, d dispatcher.Dispatcher, logger Logger) RuleService {
	return &ruleServiceImpl{repo: repo, dispatcher: d, logger: orNop(logger)}
}

func (s *ruleServiceImpl) List(ctx context.Context, activeOnly bool) ([]*entity.ApprovalRule, error) {
	rules, err := s.repo.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

func (s *ruleServiceImpl) Get(ctx context.Context, id int64) (*entity.ApprovalRule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ruleServiceImpl) Create(ctx context.Context, actor *entity.Employee, rule *entity.ApprovalRule) (*entity.ApprovalRule, error) {
	const op = "rules.Create"
	if !actor.IsAdmin() {
		return nil, apperr.Authorization(op, "only administrators may manage routing rules")
	}
	if rule.ApprovalType == "" {
		rule.ApprovalType = entity.ApprovalSequential
	}
	if err := rule.Validate(); err != nil {
		return nil, apperr.Validation(op, "%s", err.Error())
	}

	now := utcNow()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := s.repo.Create(ctx, rule); err != nil {
		s.logger.Error("Failed to create rule", "error", err, "name", rule.Name)
		return nil, fmt.Errorf("create rule: %w", err)
	}

	s.logger.Info("Rule created", "rule_id", rule.ID, "name", rule.Name, "actor", actor.ID)
	s.announce(ctx, rule, "created", actor)
	return rule, nil
}

func (s *ruleServiceImpl) Update(ctx context.Context, actor *entity.Employee, id int64, rule *entity.ApprovalRule) (*entity.ApprovalRule, error) {
	const op = "rules.Update"
	if !actor.IsAdmin() {
		return nil, apperr.Authorization(op, "only administrators may manage routing rules")
	}
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = utcNow()
	if rule.ApprovalType == "" {
		rule.ApprovalType = existing.ApprovalType
	}
	if err := rule.Validate(); err != nil {
		return nil, apperr.Validation(op, "%s", err.Error())
	}
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}

	s.logger.Info("Rule updated", "rule_id", rule.ID, "actor", actor.ID)
	s.announce(ctx, rule, "updated", actor)
	return rule, nil
}

func (s *ruleServiceImpl) Toggle(ctx context.Context, actor *entity.Employee, id int64) (*entity.ApprovalRule, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("rules.Toggle", "only administrators may manage routing rules")
	}
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Active = !rule.Active
	rule.UpdatedAt = utcNow()
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("toggle rule: %w", err)
	}

	s.logger.Info("Rule toggled", "rule_id", rule.ID, "active", rule.Active, "actor", actor.ID)
	s.announce(ctx, rule, "toggled", actor)
	return rule, nil
}

func (s *ruleServiceImpl) Delete(ctx context.Context, actor *entity.Employee, id int64) error {
	if !actor.IsAdmin() {
		return apperr.Authorization("rules.Delete", "only administrators may manage routing rules")
	}
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	s.logger.Info("Rule deleted", "rule_id", id, "actor", actor.ID)
	s.announce(ctx, rule, "deleted", actor)
	return nil
}

func (s *ruleServiceImpl) announce(ctx context.Context, rule *entity.ApprovalRule, change string, actor *entity.Employee) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.DispatchAsync(ctx, event.NewEvent(event.TypeRuleChanged, "", map[string]interface{}{
		"rule_id": rule.ID,
		"name":    rule.Name,
		"change":  change,
		"active":  rule.Active,
		"actor":   actor.ID,
	}))
}
