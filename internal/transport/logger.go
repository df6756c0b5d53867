package transport

import (
	"log/slog"
	"net/url"
)

func transportLogger(name string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "transport", name)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}

// redactEndpoint strips credentials and query parameters before an endpoint
// reaches the logs.
func redactEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid endpoint>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}
