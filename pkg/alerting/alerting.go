// Package alerting pages a human when the orchestrator detects a condition
// that must never happen in a correctly-operating system: a decision_id
// collision across workflows, or any other invariant_violation-classified
// error. It uses github.com/slack-go/slack, a dependency carried from the
// teacher's notification stack, for the actual delivery.
package alerting

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
)

// Notifier sends an operator alert. Production code wires *SlackNotifier;
// tests substitute a fake.
type Notifier interface {
	NotifyInvariantViolation(ctx context.Context, workflowID string, err error) error
}

// SlackNotifier posts invariant-violation alerts to a fixed Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *logrus.Entry
}

// NewSlackNotifier builds a SlackNotifier posting to channel using a bot
// token.
func NewSlackNotifier(botToken, channel string, logger *logrus.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger.WithField("component", "alerting.slack"),
	}
}

// NotifyInvariantViolation posts a message describing the violation. A
// Slack delivery failure is logged, not propagated: losing the alert must
// never block the request path that detected the violation.
func (s *SlackNotifier) NotifyInvariantViolation(ctx context.Context, workflowID string, cause error) error {
	text := ":rotating_light: invariant_violation detected on workflow `" + workflowID + "`: " + apperrors.SafeErrorMessage(cause)
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.WithError(err).WithField("workflow_id", workflowID).Error("failed to deliver invariant violation alert")
	}
	return err
}

var _ Notifier = (*SlackNotifier)(nil)
