package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// ListenOS bridges process signals onto the layer: SIGUSR1 is urgent, SIGUSR2
// is emergency and SIGHUP resumes. It returns when ctx is done.
func (l *Layer) ListenOS(ctx context.Context) error {
	ch := make(chan os.Signal, requestBuffer)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			l.logger.Info("os signal", zap.Stringer("signal", sig))
			switch sig {
			case syscall.SIGUSR1:
				l.Urgent(ReasonUrgent)
			case syscall.SIGUSR2:
				l.Emergency("SIGUSR2")
			case syscall.SIGHUP:
				l.Resume()
			}
		}
	}
}
