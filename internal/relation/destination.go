package relation

import (
	"context"
	"os"
)

// DestinationResolver resolves the collector URL and CA bundle to send
// traces to. Real deployments resolve this from a tracing relation's
// databag; EnvDestination is a stand-in good enough to exercise Lifecycle.
type DestinationResolver interface {
	// Resolve returns the configured url and CA PEM bundle, and ok=false
	// if no destination is currently configured.
	Resolve(ctx context.Context) (url, caPEM string, ok bool)
}

// EnvDestination resolves a destination from two environment variables.
type EnvDestination struct {
	URLVar string
	CAVar  string
}

// NewEnvDestination returns an EnvDestination reading from the given
// environment variable names.
func NewEnvDestination(urlVar, caVar string) EnvDestination {
	return EnvDestination{URLVar: urlVar, CAVar: caVar}
}

// Resolve implements DestinationResolver.
func (e EnvDestination) Resolve(_ context.Context) (string, string, bool) {
	url := os.Getenv(e.URLVar)
	if url == "" {
		return "", "", false
	}
	return url, os.Getenv(e.CAVar), true
}
