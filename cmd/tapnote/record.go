package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/tapnote/internal/app"
	"github.com/petems/tapnote/internal/permissions"
	"github.com/petems/tapnote/internal/sink"
	"github.com/petems/tapnote/internal/tap"
	"github.com/spf13/cobra"
)

var (
	recordDuration time.Duration
	recordNoMic    bool
	recordNoSystem bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record until interrupted or the duration elapses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(env *env) error {
			if recordNoMic {
				env.cfg.Capture.Microphone = false
			}
			if recordNoSystem {
				env.cfg.Capture.SystemAudio = false
			}
			if err := env.cfg.Validate(); err != nil {
				return err
			}
			return record(cmd.Context(), env)
		})
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this long (default: until interrupted)")
	recordCmd.Flags().BoolVar(&recordNoMic, "no-mic", false, "do not record the microphone")
	recordCmd.Flags().BoolVar(&recordNoSystem, "no-system", false, "do not record application audio")
}

func record(ctx context.Context, env *env) error {
	log := env.log

	backend, err := tap.NewMalgoBackend(log)
	if err != nil {
		return err
	}
	defer backend.Close()

	out, err := sink.Open(ctx, env.cfg.Sink, log)
	if err != nil {
		return err
	}
	defer out.Close()

	ended := make(chan error, 1)
	application := env.newApp(backend, out, func(sessionID string, err error) {
		ended <- err
	})
	application.RestoreSelection(ctx)

	id, err := application.StartRecording(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Recording session %s, press Ctrl-C to stop\n", id)

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var deadline <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	levels := time.NewTicker(time.Second)
	defer levels.Stop()

	for {
		select {
		case <-sigChan:
			log.Info().Msg("Shutting down...")
			return application.Shutdown(ctx)
		case <-deadline:
			return application.StopRecording()
		case err := <-ended:
			return fmt.Errorf("recording ended: %w", err)
		case <-levels.C:
			system, mic := application.Levels()
			log.Debug().Float64("system", system).Float64("microphone", mic).Msg("Levels")
		}
	}
}

func (e *env) newApp(backend tap.Backend, out sink.Sink, onEnded func(string, error)) *app.App {
	return app.New(app.Config{
		Sources:     e.discoverer,
		Resolver:    e.resolver,
		Backend:     backend,
		Input:       e.input,
		Permissions: permissions.New(),
		Sink:        out,
		Config:      e.cfg,
		Logger:      e.log,

		StatusUpdater:  stderrStatus{},
		OnSessionEnded: onEnded,
	})
}

// stderrStatus reports state changes on stderr, keeping stdout for output.
type stderrStatus struct{}

var _ app.StatusUpdater = stderrStatus{}

func (stderrStatus) SetIdle()      { fmt.Fprintln(os.Stderr, "Recording stopped") }
func (stderrStatus) SetRecording() { fmt.Fprintln(os.Stderr, "Recording...") }
func (stderrStatus) SetError()     { fmt.Fprintln(os.Stderr, "Recording failed, see the log for details") }
