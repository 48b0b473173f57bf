// Package notify delivers patrol summaries and alert photos to the
// operator. Delivery is best-effort: failures are logged by callers, never
// propagated into the run.
package notify

import "context"

// Notifier routes patrol output to an external channel.
type Notifier interface {
	SendSummary(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, jpeg []byte, caption string) error
	SendDocument(ctx context.Context, filename string, data []byte) error
}

type nopNotifier struct{}

func (nopNotifier) SendSummary(context.Context, string) error          { return nil }
func (nopNotifier) SendPhoto(context.Context, []byte, string) error    { return nil }
func (nopNotifier) SendDocument(context.Context, string, []byte) error { return nil }

// Nop returns a notifier that discards everything.
func Nop() Notifier {
	return nopNotifier{}
}
