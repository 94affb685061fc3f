package cli

import (
	"context"
	"errors"

	"github.com/asynkron/modpatch/internal/logging"
	"github.com/asynkron/modpatch/internal/watch"
	"github.com/asynkron/modpatch/pkg/modpatch"
)

// watchLoop reloads the manifest on every run so edits to it take effect.
func (a *app) watchLoop(ctx context.Context) error {
	opts := a.options()
	log := logging.Component(a.logger, "watch")
	return watch.Watch(ctx, watch.Options{
		Inputs: func() ([]string, error) {
			return modpatch.Inputs(opts.Dir, opts.Manifest)
		},
		Run: func(ctx context.Context) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			_, err = a.patch(ctx, s)
			var exit *exitError
			if errors.As(err, &exit) {
				// Diagnostics are already on stderr.
				return nil
			}
			return err
		},
		Logger: log,
	})
}
