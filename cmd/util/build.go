package util

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/filter"
	"github.com/pypimirror/pypimirror/pkg/mirror"
	"github.com/pypimirror/pypimirror/pkg/storage"
	"github.com/pypimirror/pypimirror/pkg/upstream"

	// Register the storage backends.
	_ "github.com/pypimirror/pypimirror/pkg/storage/filesystem"
	_ "github.com/pypimirror/pypimirror/pkg/storage/s3"
	_ "github.com/pypimirror/pypimirror/pkg/storage/swift"
)

// DefaultConfigPath is where commands look for the mirror config unless
// --config overrides it.
const DefaultConfigPath = "/etc/pypimirror/config.yaml"

// BuildMirror loads the config at path and assembles the mirror engine and
// its collaborators from it.
func BuildMirror(path string) (*mirror.Mirror, config.Config, error) {
	cfg, err := config.Parse(path)
	if err != nil {
		return nil, config.Config{}, err
	}

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, config.Config{}, errors.WithContext(err, "open storage")
	}

	client, err := upstream.NewHTTPClient(cfg.Upstream, cfg.Timeout())
	if err != nil {
		return nil, config.Config{}, errors.WithContext(err, "create upstream client")
	}

	filters, err := filter.NewSet(cfg.Filters)
	if err != nil {
		return nil, config.Config{}, errors.WithContext(err, "build filters")
	}

	m := mirror.New(cfg, backend, client, filters, clockwork.NewRealClock())
	return m, cfg, nil
}

// RunContext returns a context that's cancelled on SIGINT or SIGTERM, and
// bounded by the config's global timeout when one is set.
func RunContext(cfg config.Config) (context.Context, context.CancelFunc) {
	ctx, cancelSignals := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	if cfg.GlobalTimeout() == 0 {
		return ctx, cancelSignals
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.GlobalTimeout())
	return ctx, func() {
		cancelTimeout()
		cancelSignals()
	}
}
