//go:build windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/modelfetch/internal/manager"
)

// watchSignals maps interrupts to the quit path; Windows has no user signals
// for pause and resume.
func watchSignals(mgr *manager.Manager, quit func()) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case sig := <-sigCh:
			log.Info().Str("op", "cmd/signals").Str("signal", sig.String()).Int("active", len(mgr.Active())).Msg("stopping transfers, partial data is kept")
			quit()
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
