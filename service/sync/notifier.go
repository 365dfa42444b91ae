package sync

// Notifier shows transient user notices (e.g. the push-collision hint).
// It is injected by the host instead of being a process-wide singleton.
type Notifier interface {
	Notify(message string)
}

// NopNotifier discards all notices.
type NopNotifier struct{}

// Notify implements the Notifier interface.
func (NopNotifier) Notify(string) {}
