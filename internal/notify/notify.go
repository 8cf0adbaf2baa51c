// Package notify delivers operator alerts (new waiting chats, gateway session
// drops) to chat platforms.
package notify

import "context"

// Notifier delivers one alert message. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop discards every alert. Used when no platform is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Multi fans one alert out to several platforms. The first failure is
// returned, but every notifier still runs.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, text string) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
