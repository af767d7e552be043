package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/twilioapi"
)

// TwilioService implements Service for the SMS channel using the Twilio
// API.
type TwilioService struct {
	client    twilioapi.SMSSender
	dedup     *dedupSet
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService over the given SMS sender.
func NewTwilioService(client twilioapi.SMSSender) *TwilioService {
	return &TwilioService{
		client:    client,
		dedup:     newDedupSet(),
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone
// number. It removes all non-numeric characters, validates the result
// has at least 6 digits and returns it in E.164-ish "+digits" form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	canonical = "+" + canonical
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; inbound SMS arrives through the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error { return nil }

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.receipts)
		close(s.responses)
	}()
	return nil
}

// SendMessage sends an SMS via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string, dedupKey string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if s.dedup.Seen(dedupKey) {
		slog.Debug("TwilioService suppressing duplicate send", "to", canonicalTo, "dedup_key", dedupKey)
	} else {
		if err := s.client.SendSMS(ctx, canonicalTo, body); err != nil {
			return err
		}
		s.dedup.Mark(dedupKey)
	}

	s.safeEmitReceipt(models.Receipt{
		To:      canonicalTo,
		Channel: models.ChannelSMS,
		Status:  models.MessageStatusSent,
		Time:    time.Now().Unix(),
	})
	return nil
}

// Receipts returns the channel for delivery receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt { return s.receipts }

// Responses returns the channel for inbound SMS replies.
func (s *TwilioService) Responses() <-chan models.Response { return s.responses }

// TwilioWebhookHandler handles inbound Twilio webhook requests. It
// parses incoming messages and emits them as response events.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender number", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound SMS from Twilio", "from", canonicalFrom, "body_length", len(body))

	s.safeEmitResponse(models.Response{
		From:    canonicalFrom,
		Channel: models.ChannelSMS,
		Body:    body,
		Time:    time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
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
