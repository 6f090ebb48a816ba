package ociauth

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Service is the one long-lived owner of the credential core: it wires
// the registry, signer, arbiter, and prober from a Settings value and is
// passed by handle to every consumer.
type Service struct {
	Settings *Settings
	Registry *Registry
	Arbiter  *Arbiter
	Prober   *Prober
	Log      *slog.Logger
}

// NewService wires a credential core from settings. Call Initialize to
// populate the registry before dispatching.
func NewService(settings *Settings) *Service {
	if settings == nil {
		settings = DefaultSettings()
	}
	log := newLogger(settings.LogLevel)

	metadata := NewMetadataClient(
		WithMetadataTimeout(settings.ProbeTimeout),
		WithMetadataLogger(log),
	)
	registry := NewRegistry(
		WithConfigPath(settings.ConfigPath),
		WithMetadataClient(metadata),
		WithRegistryLogger(log),
	)
	arbiter := NewArbiter(registry,
		WithRESTEnabled(settings.RESTEnabled),
		WithCLIPath(settings.CLIPath),
		WithCLITimeout(settings.CLITimeout),
		WithHTTPClient(&http.Client{Timeout: settings.HTTPTimeout}),
		WithArbiterLogger(log),
	)
	prober := NewProber(registry, arbiter, log)

	// Initial profile validity is decided by the same cheap probe the
	// prober uses later.
	registry.SetValidityProbe(arbiter.ProbeContext)

	return &Service{
		Settings: settings,
		Registry: registry,
		Arbiter:  arbiter,
		Prober:   prober,
		Log:      log,
	}
}

// Initialize populates the registry from the platform probe and the
// credential file.
func (s *Service) Initialize(ctx context.Context) ([]IncompleteProfileWarning, error) {
	return s.Registry.Initialize(ctx)
}

// newLogger builds a text slog logger at the named level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
