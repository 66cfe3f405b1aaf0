package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Schedule registers p.RunOnce on a cron spec such as "@every 2s". A run that
// is still going when the next tick fires is skipped. The returned scheduler
// is not started.
func Schedule(ctx context.Context, p *Poller, spec string, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{s: logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.RunOnce(ctx); err != nil {
			logger.Error("outbox drain failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule outbox drain %q: %w", spec, err)
	}
	return c, nil
}
