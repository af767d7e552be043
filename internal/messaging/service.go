// Package messaging defines the channel delivery abstraction used by the
// engine and its email, SMS and WhatsApp implementations.
//
// Every service emits delivery receipts and inbound responses on
// channels instead of calling back into the engine, so channel adapters
// stay free of scheduling logic.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// Constants shared by the service implementations.
const (
	// DefaultChannelBufferSize defines the buffer size for receipt and
	// response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits. Events
	// that cannot be delivered within the timeout are dropped with a
	// warning rather than stalling the sender.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop has been called.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything except digits during recipient
// canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each channel applies its own rules: phone
	// digits for SMS and WhatsApp, address syntax for email.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient. The dedup key names the
	// logical message: a key the service has already delivered skips the
	// provider call but still emits a sent receipt, so a redispatched step
	// never reaches the lead twice. An empty key disables suppression.
	SendMessage(ctx context.Context, to string, body string, dedupKey string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of delivery receipt events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming lead responses.
	Responses() <-chan models.Response
}

// dedupSet remembers the dedup keys of sends that reached the provider.
type dedupSet struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newDedupSet() *dedupSet {
	return &dedupSet{keys: make(map[string]bool)}
}

// Seen reports whether the key was already marked. Empty keys are never
// seen.
func (d *dedupSet) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key]
}

// Mark records a key after a successful provider send. Keys are only
// marked on success so a genuinely failed send stays retryable.
func (d *dedupSet) Mark(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[key] = true
}

// MockService is an in-memory Service for tests. Sent messages are
// recorded and a sent receipt is emitted for each, mirroring the real
// services. Test code can inject inbound traffic with EmitResponse and
// EmitReceipt.
type MockService struct {
	channel   models.Channel
	mu        sync.Mutex
	sent      []MockMessage
	failNext  error
	dedup     *dedupSet
	receipts  chan models.Receipt
	responses chan models.Response
	stopped   bool
}

// MockMessage captures one SendMessage call.
type MockMessage struct {
	To   string
	Body string
}

// NewMockService creates a mock service for the given channel.
func NewMockService(channel models.Channel) *MockService {
	return &MockService{
		channel:   channel,
		dedup:     newDedupSet(),
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string, dedupKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrServiceStopped
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if !m.dedup.Seen(dedupKey) {
		m.sent = append(m.sent, MockMessage{To: to, Body: body})
		m.dedup.Mark(dedupKey)
	}
	m.receipts <- models.Receipt{To: to, Channel: m.channel, Status: models.MessageStatusSent, Time: time.Now().Unix()}
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.receipts)
	close(m.responses)
	return nil
}

func (m *MockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *MockService) Responses() <-chan models.Response { return m.responses }

// Sent returns a copy of all recorded messages.
func (m *MockService) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// FailNext makes the next SendMessage call return err.
func (m *MockService) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// EmitReceipt injects a receipt event, simulating a provider callback.
func (m *MockService) EmitReceipt(r models.Receipt) {
	r.Channel = m.channel
	m.receipts <- r
}

// EmitResponse injects an inbound response from a lead.
func (m *MockService) EmitResponse(r models.Response) {
	r.Channel = m.channel
	m.responses <- r
}
