package types

import "context"

// Logger is the minimal structured logging interface passed to worker
// pipelines. *slog.Logger satisfies Info/Error/Warn directly; With returns a
// Logger so implementations can be wrapped (see the slog adapter in cmd/).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// EmailProvider is the opaque send capability. Implementations map provider
// errors to AppError codes; the escalator records the outcome and never
// escalates a send failure into a fault.
type EmailProvider interface {
	// Send transmits the message and returns the provider message ID.
	Send(ctx context.Context, input SendInput) (string, error)
}
