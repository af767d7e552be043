package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
)

// EmailSender delivers a single email. Implemented by SMTPSender and by
// mocks in tests.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailOpts holds configuration options for the SMTP sender.
type EmailOpts struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Subject  string // default subject when the body carries none
}

// EmailOption defines a configuration option for the email service.
type EmailOption func(*EmailOpts)

// WithSMTPServer sets the SMTP host and port.
func WithSMTPServer(host, port string) EmailOption {
	return func(o *EmailOpts) { o.Host = host; o.Port = port }
}

// WithSMTPCredentials sets the SMTP auth credentials.
func WithSMTPCredentials(username, password string) EmailOption {
	return func(o *EmailOpts) { o.Username = username; o.Password = password }
}

// WithFromAddress sets the sender address.
func WithFromAddress(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// WithDefaultSubject sets the subject used when the rendered body does
// not start with a "Subject:" line.
func WithDefaultSubject(subject string) EmailOption {
	return func(o *EmailOpts) { o.Subject = subject }
}

// SMTPSender sends email through a plain SMTP relay.
type SMTPSender struct {
	opts EmailOpts
}

// NewSMTPSender creates an SMTP-backed email sender.
func NewSMTPSender(opts ...EmailOption) (*SMTPSender, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from address must be provided")
	}
	return &SMTPSender{opts: cfg}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", s.opts.From, to, subject, body)

	var auth smtp.Auth
	if s.opts.Username != "" {
		auth = smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
	}
	addr := s.opts.Host + ":" + s.opts.Port
	if err := smtp.SendMail(addr, auth, s.opts.From, []string{to}, []byte(msg)); err != nil {
		slog.Error("SMTPSender Send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	slog.Debug("SMTPSender email sent", "to", to, "subject", subject)
	return nil
}

// EmailService implements Service for the email channel.
type EmailService struct {
	sender         EmailSender
	defaultSubject string
	dedup          *dedupSet
	receipts       chan models.Receipt
	responses      chan models.Response
	done           chan struct{}
	mu             sync.RWMutex
	stopped        bool
}

// NewEmailService creates an email service over the given sender.
func NewEmailService(sender EmailSender, defaultSubject string) *EmailService {
	return &EmailService{
		sender:         sender,
		defaultSubject: defaultSubject,
		dedup:          newDedupSet(),
		receipts:       make(chan models.Receipt, DefaultChannelBufferSize),
		responses:      make(chan models.Response, DefaultChannelBufferSize),
		done:           make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient parses the address and returns the
// bare lowercase address without a display name.
func (s *EmailService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", recipient, err)
	}
	return strings.ToLower(addr.Address), nil
}

// Start is a no-op; inbound email arrives through the webhook handler.
func (s *EmailService) Start(ctx context.Context) error { return nil }

// Stop closes the channels and stops the service.
func (s *EmailService) Stop() error {
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

// SendMessage delivers the rendered body as an email and emits a sent
// receipt. A leading "Subject: ..." line in the body overrides the
// default subject.
func (s *EmailService) SendMessage(ctx context.Context, to string, body string, dedupKey string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("EmailService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if s.dedup.Seen(dedupKey) {
		slog.Debug("EmailService suppressing duplicate send", "to", canonicalTo, "dedup_key", dedupKey)
	} else {
		subject, text := splitSubject(body, s.defaultSubject)
		if err := s.sender.Send(ctx, canonicalTo, subject, text); err != nil {
			return err
		}
		s.dedup.Mark(dedupKey)
	}

	s.safeEmitReceipt(models.Receipt{
		To:      canonicalTo,
		Channel: models.ChannelEmail,
		Status:  models.MessageStatusSent,
		Time:    time.Now().Unix(),
	})
	return nil
}

// Receipts returns the channel of delivery receipts.
func (s *EmailService) Receipts() <-chan models.Receipt { return s.receipts }

// Responses returns the channel of inbound replies.
func (s *EmailService) Responses() <-chan models.Response { return s.responses }

// InboundWebhookHandler handles inbound email parse webhooks of the kind
// relay providers post on reply. It expects form fields "from" and
// "body" and emits the reply as a response event.
func (s *EmailService) InboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("EmailService failed to parse inbound webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("from")
	body := r.FormValue("body")
	if from == "" || body == "" {
		slog.Warn("EmailService inbound webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid from address", http.StatusBadRequest)
		return
	}

	s.safeEmitResponse(models.Response{
		From:    canonicalFrom,
		Channel: models.ChannelEmail,
		Body:    body,
		Time:    time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *EmailService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("EmailService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func (s *EmailService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("EmailService dropping inbound response (service stopped)", "from", response.From)
		return
	}

	select {
	case s.responses <- response:
		slog.Debug("EmailService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("EmailService responses channel blocked, dropping message", "from", response.From)
	}
}

// splitSubject separates an optional leading "Subject: ..." line from
// the rendered body.
func splitSubject(body, fallback string) (string, string) {
	if strings.HasPrefix(body, "Subject:") {
		if line, rest, ok := strings.Cut(body, "\n"); ok {
			subject := strings.TrimSpace(strings.TrimPrefix(line, "Subject:"))
			if subject != "" {
				return subject, strings.TrimPrefix(rest, "\n")
			}
		}
	}
	return fallback, body
}
