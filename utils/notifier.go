package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
)

type Message struct {
	Channel string
	From    string
	To      string
	Subject string
	Text    string
}

// Notifier delivers a message and returns a provider receipt
type Notifier interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrNoProvider is returned for channels without a configured sender
var ErrNoProvider = fmt.Errorf("no delivery provider configured")

// ChannelNotifier routes messages to a Notifier per channel
type ChannelNotifier struct {
	routes map[string]Notifier
}

func NewChannelNotifier(routes map[string]Notifier) *ChannelNotifier {
	return &ChannelNotifier{routes: routes}
}

func (n *ChannelNotifier) Send(ctx context.Context, msg Message) (string, error) {
	route, ok := n.routes[msg.Channel]
	if !ok || route == nil {
		return "", fmt.Errorf("%w for channel %q", ErrNoProvider, msg.Channel)
	}
	return route.Send(ctx, msg)
}

// LogNotifier records messages in the log instead of delivering them. It backs
// channels that have no provider in this deployment.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n *LogNotifier) Send(_ context.Context, msg Message) (string, error) {
	receipt := uuid.NewString()
	n.Logger.WithFields(logrus.Fields{
		"channel": msg.Channel,
		"to":      msg.To,
		"subject": msg.Subject,
		"receipt": receipt,
	}).Info("Message logged")
	return receipt, nil
}

// IsEmailCapable reports whether addr is a well-formed email address
func IsEmailCapable(addr *string) bool {
	if addr == nil {
		return false
	}
	trimmed := strings.TrimSpace(*addr)
	if trimmed == "" {
		return false
	}
	return checkmail.ValidateFormat(trimmed) == nil
}
