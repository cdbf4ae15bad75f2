// Package lark delivers approval notifications through the Lark IM API.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Config holds Lark app credentials
type Config struct {
	AppID     string
	AppSecret string
}

// Enabled reports whether credentials are present
func (c Config) Enabled() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// MessageSender sends one IM message to a recipient identified by email
type MessageSender interface {
	SendText(ctx context.Context, email, text string) error
}

// SDKSender sends messages with the Lark SDK
type SDKSender struct {
	client *lark.Client
	logger *zap.Logger
}

// NewSDKSender creates a sender backed by the Lark open platform
func NewSDKSender(cfg Config, logger *zap.Logger) *SDKSender {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)
	return &SDKSender{client: client, logger: logger}
}

// SendText sends a text message addressed by email
func (s *SDKSender) SendText(ctx context.Context, email, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("email").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(email).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := s.client.Im.Message.Create(ctx, req)
	if err != nil {
		s.logger.Error("Failed to send message", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("failed to send message: %w", err)
	}
	if !resp.Success() {
		s.logger.Error("API returned failure",
			zap.String("email", email), zap.Int("code", resp.Code), zap.String("msg", resp.Msg))
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// LogSender writes messages to the log; used when Lark is not configured
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender that only logs
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendText logs the message
func (s *LogSender) SendText(ctx context.Context, email, text string) error {
	s.logger.Info("Notification", zap.String("email", email), zap.String("text", text))
	return nil
}

// Notifier implements port.Notifier on top of a MessageSender
type Notifier struct {
	sender MessageSender
	logger *zap.Logger
}

var _ port.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier
func NewNotifier(sender MessageSender, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// NotifyPending tells an approver a step waits for them
func (n *Notifier) NotifyPending(ctx context.Context, approver *entity.Employee, exp *entity.Expense, step *entity.ApprovalStep) error {
	if approver == nil || approver.Email == "" {
		return fmt.Errorf("approver has no email address")
	}
	return n.sender.SendText(ctx, approver.Email, PendingMessage(exp, step))
}

// NotifyEmployee sends a plain message to an employee
func (n *Notifier) NotifyEmployee(ctx context.Context, employee *entity.Employee, message string) error {
	if employee == nil || employee.Email == "" {
		return fmt.Errorf("employee has no email address")
	}
	return n.sender.SendText(ctx, employee.Email, message)
}

// PendingMessage renders the approval request text
func PendingMessage(exp *entity.Expense, step *entity.ApprovalStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: expense %s from %s for %s (%s)", exp.ID, exp.EmployeeID, entity.FormatCents(exp.AmountCents), exp.Category)
	if exp.Merchant != "" {
		fmt.Fprintf(&b, " at %s", exp.Merchant)
	}
	fmt.Fprintf(&b, ".\nStep %d (%s), risk %.2f.", step.StepOrder, step.ApproverRole, exp.RiskScore)
	if exp.ApprovalReason != "" {
		fmt.Fprintf(&b, "\n%s", exp.ApprovalReason)
	}
	return b.String()
}
