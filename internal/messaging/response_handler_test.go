package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
	"github.com/Hugoapk93/agendabot/internal/whatsapp"
)

type recordingHandler struct {
	mu    sync.Mutex
	got   []models.Response
	panic bool
}

func (h *recordingHandler) HandleInbound(_ context.Context, msg models.Response) error {
	if h.panic {
		panic("boom")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, msg)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestProcessResponseDropsDuplicates(t *testing.T) {
	h := &recordingHandler{}
	rh := NewResponseHandler(NewWhatsAppService(whatsapp.NewMockClient()), h, store.NewInMemoryStore())
	ctx := context.Background()
	msg := models.Response{From: "5215550001", Body: "hola", MessageID: "M1"}

	for i := 0; i < 3; i++ {
		if err := rh.ProcessResponse(ctx, msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if h.count() != 1 {
		t.Errorf("expected duplicate ids to be dropped, handler saw %d", h.count())
	}

	// messages without an id are never deduplicated
	msg.MessageID = ""
	_ = rh.ProcessResponse(ctx, msg)
	_ = rh.ProcessResponse(ctx, msg)
	if h.count() != 3 {
		t.Errorf("expected id-less messages to pass, handler saw %d", h.count())
	}
}

func TestProcessResponseRecoversPanic(t *testing.T) {
	rh := NewResponseHandler(NewWhatsAppService(whatsapp.NewMockClient()), &recordingHandler{panic: true}, nil)
	err := rh.ProcessResponse(context.Background(), models.Response{From: "521", Body: "x"})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

type failingDedup struct{}

func (failingDedup) RecordInbound(context.Context, string, string) (bool, error) {
	return false, errors.New("db down")
}

func TestProcessResponseDedupFailureStillHandles(t *testing.T) {
	h := &recordingHandler{}
	rh := NewResponseHandler(NewWhatsAppService(whatsapp.NewMockClient()), h, failingDedup{})
	_ = rh.ProcessResponse(context.Background(), models.Response{From: "521", Body: "x", MessageID: "M9"})
	if h.count() != 1 {
		t.Error("expected message to be handled when dedup is unavailable")
	}
}

func TestStartConsumesUntilClosed(t *testing.T) {
	svc := NewTwilioService(nil)
	h := &recordingHandler{}
	rh := NewResponseHandler(svc, h, store.NewInMemoryStore())
	rh.Start(context.Background())

	svc.safeEmitResponse(models.Response{From: "521", Body: "a", MessageID: "1"})
	svc.safeEmitResponse(models.Response{From: "522", Body: "b", MessageID: "2"})
	svc.safeEmitResponse(models.Response{From: "521", Body: "a", MessageID: "1"})
	_ = svc.Stop()
	rh.Wait()

	if h.count() != 2 {
		t.Errorf("expected 2 handled events, got %d", h.count())
	}
}
