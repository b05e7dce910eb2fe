package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gwi.com/faq-responder/internal/core"
)

// MessageHandler runs one inbound message through the reply pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, msg core.InboundMessage) core.Result
}

// Dispatcher runs webhook messages in the background after the delivery has
// been acknowledged. At most maxInflight messages are processed at once.
type Dispatcher struct {
	handler MessageHandler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

func NewDispatcher(handler MessageHandler, maxInflight int, logger *zap.Logger) *Dispatcher {
	if maxInflight < 1 {
		maxInflight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(maxInflight)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Submit queues msg and returns immediately.
func (d *Dispatcher) Submit(msg core.InboundMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.logger.Warn("Dropping message, dispatcher is shutting down",
				zap.String("sender_id", msg.SenderID))
			return
		}
		defer d.sem.Release(1)

		started := time.Now()
		res := d.handler.Handle(d.ctx, msg)
		if res.Err != nil {
			d.logger.Warn("Message finished with error",
				zap.String("sender_id", msg.SenderID),
				zap.String("state", string(res.State)),
				zap.Duration("latency", time.Since(started)),
				zap.Error(res.Err),
			)
		}
	}()
}

// Shutdown waits for in-flight messages. If ctx expires first, the remaining
// messages are abandoned: they finish generating but are not dispatched.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
