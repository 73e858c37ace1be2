// Package cli implements the tabtimer command. Every invocation behaves
// like one tab: it recovers, connects, catches up, acts and disconnects.
package cli

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/tabtimer/go/internal/config"
	"github.com/mcdev12/tabtimer/go/internal/timer"
	"github.com/mcdev12/tabtimer/go/internal/timer/backends"
)

// OpenFunc builds a tab from configuration. The returned func releases it.
type OpenFunc func(ctx context.Context, cfg config.Config, hooks timer.Hooks) (*timer.App, func(), error)

// Runner holds what the commands share.
type Runner struct {
	// Config is used as is when Loaded is set, otherwise it is read from
	// --config before each command.
	Config config.Config
	Loaded bool

	Open      OpenFunc
	Finalizer timer.Finalizer

	configPath string
}

// NewRootCmd creates the top-level "tabtimer" command.
func NewRootCmd(r *Runner) *cobra.Command {
	if r.Open == nil {
		r.Open = OpenApp
	}

	root := &cobra.Command{
		Use:           "tabtimer",
		Short:         "Billable-time timer shared by every open session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if r.Loaded {
				return nil
			}
			cfg, err := config.Load(r.configPath)
			if err != nil {
				return err
			}
			r.Config = cfg
			r.Loaded = true
			zerolog.SetGlobalLevel(cfg.Level())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&r.configPath, "config", "", "YAML config file (defaults to $TABTIMER_CONFIG)")

	root.AddCommand(
		newStartCmd(r),
		newStopCmd(r),
		newResetCmd(r),
		newStatusCmd(r),
		newNotesCmd(r),
		newContextCmd(r),
		newWatchCmd(r),
	)
	return root
}

// OpenApp wires a tab from the configured store and transport.
func OpenApp(ctx context.Context, cfg config.Config, hooks timer.Hooks) (*timer.App, func(), error) {
	kv, closeStore, err := backends.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	dialer, closeDialer, err := backends.NewDialer(cfg.Transport.Backend, cfg)
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	backends.Describe(cfg)

	app := timer.NewApp(kv, dialer, timer.Config{
		Channel:           cfg.Transport.Channel,
		StoreKey:          cfg.Store.Key,
		GapThreshold:      cfg.Timer.GapThreshold,
		HeartbeatInterval: cfg.Timer.HeartbeatInterval,
	}, timer.WithHooks(hooks))

	release := func() {
		app.Close()
		err := errors.Join(closeDialer(), closeStore())
		if err != nil {
			log.Warn().Err(err).Msg("closing timer backends")
		}
	}
	return app, release, nil
}
