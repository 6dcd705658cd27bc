// Command confuse-harness is a self-test driver for the fuzzing harness
// coordinator. It has no real simulator to bind to, so it wires a fake
// simulator host and an in-process fuzzer together over the same
// bootstrap/IPC path a real fuzzer process would use, and runs one
// fuzzing iteration end to end.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/confuse-fuzz/harness/internal/bootstrap"
	"github.com/confuse-fuzz/harness/internal/harness"
	"github.com/confuse-fuzz/harness/internal/model"
	"github.com/confuse-fuzz/harness/internal/simhost"
	"github.com/confuse-fuzz/harness/internal/simhost/fakehost"
	"github.com/confuse-fuzz/harness/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var className string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "confuse-harness",
		Short: "Coverage-guided fuzzing harness coordinator",
	}

	selftest := &cobra.Command{
		Use:   "selftest",
		Short: "Run one fuzzing iteration against a fake simulator host",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
			return runSelfTest(cmd.Context(), className, log)
		},
	}
	selftest.Flags().StringVar(&className, "class", "confuse", "simulator class name used for bootstrap rendezvous")
	selftest.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(selftest)
	return cmd
}

// runSelfTest plays both sides of the bootstrap protocol: the harness
// side listens and drives a Coordinator against a fakehost.Host, and a
// minimal in-process fuzzer dials in, configures a session, runs one
// input to a normal stop, and shuts the session down.
func runSelfTest(ctx context.Context, className string, log zerolog.Logger) error {
	dir, err := os.MkdirTemp("", "confuse-selftest-*")
	if err != nil {
		return fmt.Errorf("create working dir: %w", err)
	}
	defer os.RemoveAll(dir)

	g, ctx := errgroup.WithContext(ctx)

	harnessReady := make(chan struct{})
	var coord *harness.Coordinator

	g.Go(func() error {
		res, cleanup, err := bootstrap.Listen(dir, className, func() { close(harnessReady) })
		if err != nil {
			return fmt.Errorf("bootstrap listen: %w", err)
		}
		defer cleanup()

		host := fakehost.New()
		coord = harness.New(host, res.Channel, className,
			harness.WithLogger(log.With().Str("component", "harness").Logger()),
			harness.WithCoverageMapDir(dir),
		)

		if err := coord.Install(ctx); err != nil {
			return fmt.Errorf("install: %w", err)
		}

		proc := fakehost.NewProcessor()
		proc.Regs.Set("rsi", 0x10000)
		proc.Regs.Set("rdi", 256)
		// FireMagic(Start) blocks inside the coordinator's WaitStart
		// handshake (it takes the origin checkpoint, sends Ready, and
		// waits for the fuzzer goroutine below to send Run) before it
		// returns, so Stop can only be fired once a run is actually in
		// flight.
		if err := host.FireMagic(proc, uint64(simhost.MagicStart)); err != nil {
			return fmt.Errorf("fire start: %w", err)
		}
		if err := host.FireMagic(proc, uint64(simhost.MagicStop)); err != nil {
			return fmt.Errorf("fire stop: %w", err)
		}

		<-coord.Done()
		return coord.Err()
	})

	g.Go(func() error {
		<-harnessReady
		ch, err := bootstrap.Dial(className)
		if err != nil {
			return fmt.Errorf("bootstrap dial: %w", err)
		}
		defer ch.Close()

		if err := ch.SendFuzzer(wire.FuzzerMessage{
			Type: wire.FuzzerInitialize,
			Initialize: &wire.InitializePayload{
				Input: model.DefaultInputConfig().WithFault(model.FaultTriple),
			},
		}); err != nil {
			return fmt.Errorf("send initialize: %w", err)
		}

		sharedMem, err := ch.RecvHarness(ctx)
		if err != nil {
			return fmt.Errorf("recv shared_mem: %w", err)
		}
		log.Info().Str("path", sharedMem.SharedMem.Entry.Path).Msg("received coverage map location")

		if _, err := ch.RecvHarness(ctx); err != nil {
			return fmt.Errorf("recv ready: %w", err)
		}

		if err := ch.SendFuzzer(wire.FuzzerMessage{
			Type: wire.FuzzerRun,
			Run:  &wire.RunPayload{Input: []byte("hello, fuzzer")},
		}); err != nil {
			return fmt.Errorf("send run: %w", err)
		}

		stopped, err := ch.RecvHarness(ctx)
		if err != nil {
			return fmt.Errorf("recv stopped: %w", err)
		}
		log.Info().Str("kind", stopped.Stopped.Kind.String()).Msg("iteration stopped")

		return ch.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerStop})
	})

	return g.Wait()
}
