package syncer

import "log/slog"

// Notifier is the fire-and-forget sink for user-facing notices ("saved
// offline", "all changes synced", rejection toasts). Implementations are
// advisory only: nothing in the pipeline ever consumes their result.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// LogNotifier writes notices to the structured log. The default sink when no
// UI surface is attached.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Info(msg string) {
	n.logger().Info(msg)
}

func (n LogNotifier) Error(msg string) {
	n.logger().Error(msg)
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// notify invokes fn, swallowing any panic. A broken notification sink must
// never alter pipeline control flow.
func notify(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
