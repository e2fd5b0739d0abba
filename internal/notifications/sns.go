// Package notifications publishes credit alerts and provider health changes
// to operators and the billing collaborator.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/felipepmaragno/photo-router/internal/budget"
	"github.com/felipepmaragno/photo-router/internal/circuitbreaker"
	"github.com/felipepmaragno/photo-router/internal/domain"
)

type NotificationType string

const (
	NotificationCreditWarning  NotificationType = "credit_warning"
	NotificationCreditCritical NotificationType = "credit_critical"
	NotificationCreditExceeded NotificationType = "credit_exceeded"
	NotificationProviderDown   NotificationType = "provider_down"
	NotificationProviderUp     NotificationType = "provider_up"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	AccountID string           `json:"account_id,omitempty"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// FromAlert converts a credit alert into a notification.
func FromAlert(a budget.Alert) Notification {
	typ := NotificationCreditWarning
	switch a.Level {
	case budget.AlertLevelCritical:
		typ = NotificationCreditCritical
	case budget.AlertLevelExceeded:
		typ = NotificationCreditExceeded
	}
	return Notification{
		Type:      typ,
		AccountID: a.AccountID,
		Message:   fmt.Sprintf("%s credits at %.0f%% (%d/%d)", a.Class, a.Percentage, a.Used, a.Capacity),
		Data: map[string]any{
			"tier":       a.Tier,
			"cost_class": a.Class,
			"used":       a.Used,
			"capacity":   a.Capacity,
			"timestamp":  a.Timestamp,
		},
	}
}

// AlertHandler sends every credit alert through n. Send errors are logged.
func AlertHandler(n Notifier) budget.AlertHandler {
	return func(a budget.Alert) {
		if err := n.Send(context.Background(), FromAlert(a)); err != nil {
			slog.Error("credit alert notification failed",
				"account_id", a.AccountID,
				"level", a.Level,
				"error", err,
			)
		}
	}
}

// ProviderHandler reports breakers opening and closing. Half-open is not
// reported.
func ProviderHandler(n Notifier) func(id domain.ProviderID, state circuitbreaker.State) {
	return func(id domain.ProviderID, state circuitbreaker.State) {
		var typ NotificationType
		switch state {
		case circuitbreaker.StateOpen:
			typ = NotificationProviderDown
		case circuitbreaker.StateClosed:
			typ = NotificationProviderUp
		default:
			return
		}
		err := n.Send(context.Background(), Notification{
			Type:    typ,
			Message: fmt.Sprintf("provider %s circuit %s", id, state),
			Data:    map[string]any{"provider": id},
		})
		if err != nil {
			slog.Error("provider notification failed", "provider", id, "error", err)
		}
	}
}

type publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   publisher
	topicArn string
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if notification.AccountID != "" {
		input.MessageAttributes["AccountID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.AccountID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"account_id", notification.AccountID,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	n.notifications = append(n.notifications, notification)
	n.mu.Unlock()

	slog.Info("notification sent (in-memory)",
		"type", notification.Type,
		"account_id", notification.AccountID,
	)
	return nil
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
