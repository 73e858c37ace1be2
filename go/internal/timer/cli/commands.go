package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/tabtimer/go/internal/timer"
	"github.com/mcdev12/tabtimer/go/internal/timer/recovery"
	"github.com/mcdev12/tabtimer/go/internal/timer/session"
)

// JSONFinalizer writes finalize requests as JSON for an external billing
// process to pick up.
type JSONFinalizer struct {
	W io.Writer
}

func (f JSONFinalizer) Finalize(_ context.Context, req timer.FinalizeRequest) error {
	enc := json.NewEncoder(f.W)
	enc.SetIndent("", "  ")
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("encode finalize request: %w", err)
	}
	return nil
}

// withTab runs fn against a freshly initialized tab.
func (r *Runner) withTab(cmd *cobra.Command, hooks timer.Hooks, fn func(ctx context.Context, app *timer.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, release, err := r.Open(ctx, r.Config, hooks)
	if err != nil {
		return err
	}
	defer release()

	if _, err := app.Init(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: saved timer state could not be read, recovery is unavailable: %v\n", err)
	}
	if app.Connected() {
		if app.WaitForCatchUp(ctx, r.Config.Timer.CatchUpWait) {
			log.Debug().Msg("caught up with a live session")
		}
	}
	return fn(ctx, app)
}

// persisted downgrades persistence failures to a warning; the change was
// still applied and broadcast.
func persisted(err error) error {
	if errors.Is(err, session.ErrPersistence) {
		log.Warn().Err(err).Msg("timer change not saved")
		return nil
	}
	return err
}

func newStartCmd(r *Runner) *cobra.Command {
	var note, recordID string

	cmd := &cobra.Command{
		Use:   "start <context>",
		Short: "Start timing against a context, taking over any running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				var opts []session.StartOption
				if note != "" {
					opts = append(opts, session.WithNote(note))
				}
				if recordID != "" {
					opts = append(opts, session.WithRecordID(recordID))
				}

				res, err := app.Start(ctx, args[0], opts...)
				if err := persisted(err); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if prev := res.Superseded; prev != nil {
					fmt.Fprintf(out, "Abandoned running session for %s (record %s)\n", prev.ContextID, prev.RecordID)
				}
				fmt.Fprintf(out, "Started %s (record %s)\n", res.Started.ContextID, res.Started.RecordID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Initial notes")
	cmd.Flags().StringVar(&recordID, "record-id", "", "Existing time entry ID (generated when empty)")
	return cmd
}

func newStopCmd(r *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running session and print its finalize request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				res, err := app.Stop(ctx)
				if err := persisted(err); err != nil {
					return err
				}
				if !res.Stopped {
					fmt.Fprintln(cmd.OutOrStdout(), "Timer is not running.")
					return nil
				}

				fin := r.Finalizer
				if fin == nil {
					fin = JSONFinalizer{W: cmd.OutOrStdout()}
				}
				return fin.Finalize(ctx, timer.NewFinalizeRequest(res))
			})
		},
	}
}

func newResetCmd(r *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the running session without recording time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				if err := persisted(app.Reset(ctx)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Timer reset.")
				return nil
			})
		},
	}
}

func newStatusCmd(r *Runner) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				out := cmd.OutOrStdout()
				if asJSON {
					return writeStatusJSON(out, app)
				}
				writeStatus(out, app.Session(), app.Elapsed(), app.RecoveryInfo())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func newNotesCmd(r *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "notes <text>",
		Short: "Replace the notes of the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				if err := persisted(app.UpdateNotes(ctx, args[0])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Notes updated.")
				return nil
			})
		},
	}
}

func newContextCmd(r *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "context <id>",
		Short: "Select a context without starting the timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withTab(cmd, timer.Hooks{}, func(ctx context.Context, app *timer.App) error {
				if err := persisted(app.UpdateContext(ctx, args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Context set to %s.\n", args[0])
				return nil
			})
		},
	}
}

func newWatchCmd(r *Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected, keep the session alive and print changes from other sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return r.withTab(cmd, watchHooks(out), func(ctx context.Context, app *timer.App) error {
				writeStatus(out, app.Session(), app.Elapsed(), app.RecoveryInfo())
				if !app.Connected() {
					fmt.Fprintln(out, "Not connected to other sessions; only the heartbeat runs.")
				}
				return app.RunHeartbeat(ctx)
			})
		},
	}
}

func watchHooks(out io.Writer) timer.Hooks {
	return timer.Hooks{
		OnStarted: func(p session.StartedPayload) {
			fmt.Fprintf(out, "%s started %s (record %s)\n", stamp(p.StartTime), p.ContextID, p.RecordID)
		},
		OnStopped: func() {
			fmt.Fprintf(out, "%s stopped\n", stamp(time.Now()))
		},
		OnReset: func() {
			fmt.Fprintf(out, "%s reset\n", stamp(time.Now()))
		},
		OnStateResponse: func(snap *session.PersistedState, accepted bool) {
			if accepted {
				fmt.Fprintf(out, "adopted live session for %s (record %s)\n", snap.ContextID, snap.RecordID)
			}
		},
		OnSuperseded: func(prev session.Session) {
			fmt.Fprintf(out, "abandoned session for %s (record %s)\n", prev.ContextID, prev.RecordID)
		},
	}
}

func writeStatus(out io.Writer, s session.Session, elapsed time.Duration, info recovery.Info) {
	if !s.IsRunning {
		if s.ContextID != "" {
			fmt.Fprintf(out, "Idle (context %s)\n", s.ContextID)
		} else {
			fmt.Fprintln(out, "Idle")
		}
		return
	}

	fmt.Fprintf(out, "Running %s for %s (record %s)\n", s.ContextID, elapsed.Truncate(time.Second), s.RecordID)
	if s.Notes != "" {
		fmt.Fprintf(out, "Notes: %s\n", s.Notes)
	}
	if info.HasSignificantGap {
		gap := time.Duration(info.TimeGapSeconds) * time.Second
		fmt.Fprintf(out, "Warning: no session was alive for %s; check the elapsed time before stopping.\n", gap)
	}
}

type statusJSON struct {
	IsRunning      bool          `json:"isRunning"`
	StartTime      *int64        `json:"startTime"`
	ContextID      string        `json:"selectedMatterId"`
	Notes          string        `json:"notes"`
	RecordID       string        `json:"activeEntryId"`
	ElapsedSeconds int64         `json:"elapsedSeconds"`
	Recovery       recovery.Info `json:"recovery"`
	Connected      bool          `json:"connected"`
}

func writeStatusJSON(out io.Writer, app *timer.App) error {
	s := app.Session()
	st := statusJSON{
		IsRunning:      s.IsRunning,
		ContextID:      s.ContextID,
		Notes:          s.Notes,
		RecordID:       s.RecordID,
		ElapsedSeconds: int64(app.Elapsed() / time.Second),
		Recovery:       app.RecoveryInfo(),
		Connected:      app.Connected(),
	}
	if s.StartTime != nil {
		ms := s.StartTime.UnixMilli()
		st.StartTime = &ms
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func stamp(t time.Time) string {
	return t.Local().Format(time.TimeOnly)
}
