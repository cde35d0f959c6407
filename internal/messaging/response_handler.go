package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

// InboundHandler processes one inbound message (the flow engine).
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg models.Response) error
}

// ResponseHandler consumes a Service's responses, drops duplicates, and hands every
// event to the InboundHandler on its own goroutine.
type ResponseHandler struct {
	msgService Service
	handler    InboundHandler
	dedup      store.DedupRepo // optional
	wg         sync.WaitGroup
}

// NewResponseHandler wires a service to an inbound handler. dedup may be nil.
func NewResponseHandler(msgService Service, handler InboundHandler, dedup store.DedupRepo) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, handler: handler, dedup: dedup}
}

// ProcessResponse handles a single response synchronously. Duplicates are dropped
// silently and panics in the handler are recovered into an error.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ResponseHandler.ProcessResponse: panic recovered", "from", response.From, "panic", r)
			err = fmt.Errorf("panic while handling message from %s: %v", response.From, r)
		}
	}()

	if rh.dedup != nil && response.MessageID != "" {
		fresh, derr := rh.dedup.RecordInbound(ctx, response.MessageID, response.From)
		if derr != nil {
			slog.Warn("ResponseHandler.ProcessResponse: dedup check failed, processing anyway", "message_id", response.MessageID, "error", derr)
		} else if !fresh {
			slog.Debug("ResponseHandler.ProcessResponse: duplicate dropped", "message_id", response.MessageID, "from", response.From)
			return nil
		}
	}
	return rh.handler.HandleInbound(ctx, response)
}

// Start begins processing responses from the messaging service until the channel
// closes or ctx is cancelled.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				rh.wg.Add(1)
				go func(r models.Response) {
					defer rh.wg.Done()
					if err := rh.ProcessResponse(ctx, r); err != nil {
						slog.Error("ResponseHandler failed to process response", "error", err, "from", r.From)
					}
				}(response)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the processing loop and all in-flight events finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}
