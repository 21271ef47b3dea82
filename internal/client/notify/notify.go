// Package notify carries the fire-and-forget hook raised when a note syncs.
package notify

import "go.uber.org/zap"

type Notifier interface {
	Notify(title, body string)
}

// Func adapts a plain function to Notifier.
type Func func(title, body string)

func (f Func) Notify(title, body string) {
	f(title, body)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger.Info("notification", zap.String("title", title), zap.String("body", body))
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(string, string) {}
