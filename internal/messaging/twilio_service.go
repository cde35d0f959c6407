package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.Sender // real Twilio client or MockClient
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a new TwilioService around a Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp phone number to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(_ context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

func (s *TwilioService) canonical(to string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	if at := strings.IndexByte(to, '@'); at >= 0 {
		to = to[:at]
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}

// SendText sends a message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to, body string) error {
	canonicalTo, err := s.canonical(to)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, canonicalTo, body)
}

// SendImage sends an http(s) media reference. Twilio cannot upload local files, so
// other references fall back to sending the caption alone.
func (s *TwilioService) SendImage(ctx context.Context, to, ref, caption string) error {
	canonicalTo, err := s.canonical(to)
	if err != nil {
		return err
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return s.client.SendMedia(ctx, canonicalTo, ref, caption)
	}
	slog.Warn("TwilioService.SendImage: media must be a public URL, sending caption only", "ref", ref)
	if caption == "" {
		return nil
	}
	return s.client.SendText(ctx, canonicalTo, caption)
}

// SendPresence is a no-op; the Twilio API has no typing indicator.
func (s *TwilioService) SendPresence(_ context.Context, to string, composing bool) error {
	slog.Debug("TwilioService.SendPresence ignored (unsupported)", "to", to, "composing", composing)
	return nil
}

// Responses returns the channel for incoming messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService webhook: missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.safeEmitResponse(models.Response{
		From:      canonicalFrom,
		Address:   canonicalFrom,
		Body:      body,
		MessageID: r.FormValue("MessageSid"),
		Time:      time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitResponse pushes a response unless the service is stopped.
func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
	}
}
