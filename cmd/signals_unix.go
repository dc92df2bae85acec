//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/modelfetch/internal/manager"
)

// watchSignals maps SIGINT/SIGTERM to the quit path and SIGUSR1/SIGUSR2 to
// pausing and resuming every transfer.
func watchSignals(mgr *manager.Manager, quit func()) func() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				logger := log.With().Str("op", "cmd/signals").Str("signal", sig.String()).Logger()
				switch sig {
				case syscall.SIGUSR1:
					logger.Info().Int("paused", mgr.PauseAll()).Msg("pausing transfers")
				case syscall.SIGUSR2:
					logger.Info().Int("resumed", mgr.ResumeAll()).Msg("resuming transfers")
				default:
					logger.Info().Msg("stopping transfers, partial data is kept")
					quit()
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
