package logger

import (
	"io"
	"log/slog"
	"os"
)

// Option customises logger construction.
type Option func(*settings)

type settings struct {
	out io.Writer
}

// WithOutput redirects log output, e.g. to a rotated file on kiosk
// devices where stdout is not collected.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.out = w
		}
	}
}

// New returns a JSON slog.Logger tagged with the service name. Output
// defaults to stdout.
func New(service string, level slog.Level, opts ...Option) *slog.Logger {
	s := settings{out: os.Stdout}
	for _, opt := range opts {
		opt(&s)
	}
	h := slog.NewJSONHandler(s.out, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
