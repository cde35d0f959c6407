package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // underlying client for event handling; nil for mocks
	responses chan models.Response

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient accepts a JID string or a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.Contains(recipient, "@") {
		jid, err := whatsapp.ParseRecipient(recipient)
		if err != nil {
			return "", err
		}
		return jid.String(), nil
	}
	return CanonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(_ context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handler")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService: disconnected")
		case *events.Connected:
			slog.Info("WhatsAppService: connected")
		}
	})
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop removes the event handler and closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendText sends a text message.
func (s *WhatsAppService) SendText(ctx context.Context, to, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendText(ctx, to, body); err != nil {
		slog.Error("WhatsAppService.SendText: failed", "to", to, "error", err)
		return err
	}
	return nil
}

// SendImage uploads a local image and sends it with the caption.
func (s *WhatsAppService) SendImage(ctx context.Context, to, ref, caption string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendImage(ctx, to, ref, caption); err != nil {
		slog.Error("WhatsAppService.SendImage: failed", "to", to, "ref", ref, "error", err)
		return err
	}
	return nil
}

// SendPresence toggles the typing indicator.
func (s *WhatsAppService) SendPresence(ctx context.Context, to string, composing bool) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendPresence(ctx, to, composing)
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// toResponse converts a whatsmeow message event; ok is false for events the bot ignores.
func toResponse(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil {
		return models.Response{}, false
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.Response{}, false
	}
	from := phoneNumberRegex.ReplaceAllString(evt.Info.Sender.User, "")
	if from == "" {
		return models.Response{}, false
	}
	return models.Response{
		From:      from,
		Address:   evt.Info.Chat.String(),
		Body:      text,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}, true
}

// handleIncomingMessage processes incoming text messages from contacts
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	response, ok := toResponse(evt)
	if !ok {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
	}
}
