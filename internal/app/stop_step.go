package app

import (
	"context"
	"fmt"
	"time"

	logx "cronyaml/pkg/logx"
)

// stopStep runs one shutdown step bounded by limit and by the caller's deadline,
// whichever is sooner. fn must honor its context; a step that overruns is
// logged and left running.
func stopStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
				return
			}
			log.Info("stop step finished after deadline", fields...)
		}()
	}
}
