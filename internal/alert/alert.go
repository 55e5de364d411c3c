// Package alert fans operational notifications out to chat channels.
package alert

import (
	"context"
	"sync"
	"time"

	"avi5/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Notifier broadcasts to all registered channels. Delivery is fire and
// forget so alerting never blocks the trading path.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger core.ILogger) *Notifier {
	return &Notifier{
		logger: logger.WithField("component", "notifier"),
	}
}

// AddChannel registers a delivery channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends the alert to every channel concurrently.
func (n *Notifier) Notify(ctx context.Context, level Level, title, message string, fields map[string]string) {
	p := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				n.logger.Error("Failed to send alert", "channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}
