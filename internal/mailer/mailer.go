package mailer

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers email messages and returns a provider message ID.
type Mailer interface {
	Send(ctx context.Context, owner string, msg Message) (string, error)
}

// Config is a config for the SMTP mailer.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// CredentialSource resolves SMTP credentials for an owner. The worker
// and the deferred email sweeper both send on behalf of users, so
// credentials are looked up per message.
type CredentialSource interface {
	Lookup(ctx context.Context, owner string) (Config, error)
}

// StaticCredentials always returns the same config, regardless of owner.
type StaticCredentials struct {
	Config Config
}

// Lookup implements CredentialSource.
func (s StaticCredentials) Lookup(ctx context.Context, owner string) (Config, error) {
	return s.Config, nil
}

// Strips CRLF sequences so header fields cannot smuggle extra headers.
var replacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

// SMTPMailer sends mail over SMTP with per-owner credentials.
type SMTPMailer struct {
	creds CredentialSource
}

// NewSMTPMailer creates a mailer backed by the given credential source.
func NewSMTPMailer(creds CredentialSource) *SMTPMailer {
	return &SMTPMailer{creds: creds}
}

// Send delivers one message and returns a generated message ID.
func (m *SMTPMailer) Send(ctx context.Context, owner string, msg Message) (string, error) {
	cfg, err := m.creds.Lookup(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to resolve SMTP credentials: %w", err)
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("no SMTP host configured for %s", owner)
	}

	from := replacer.Replace(msg.From)
	if from == "" {
		from = replacer.Replace(cfg.From)
	}
	to := replacer.Replace(msg.To)
	subject := replacer.Replace(msg.Subject)

	messageID := fmt.Sprintf("<%s@canopy>", uuid.New().String())
	log.Printf("Sending an email to %s, subject is %q", to, subject)

	payload := composeMail(messageID, from, to, subject, msg.Body)
	addr := cfg.Host + ":" + cfg.Port

	if cfg.Username == "" && cfg.Password == "" {
		if err := sendWithNoAuth(addr, from, to, payload); err != nil {
			return "", err
		}
		return messageID, nil
	}

	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := smtp.SendMail(addr, auth, from, []string{to}, payload); err != nil {
		return "", err
	}
	return messageID, nil
}

func sendWithNoAuth(addr, from, to string, payload []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()
	if err = c.Mail(from); err != nil {
		return err
	}
	if err = c.Rcpt(to); err != nil {
		return err
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = wc.Write(payload); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func composeMail(messageID, from, to, subject, body string) []byte {
	header := "Message-ID: " + messageID + "\r\n" +
		"To: " + to + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n" +
		"\r\n"
	return []byte(header + body)
}

// FakeMailer records messages instead of sending them.
type FakeMailer struct {
	mu   sync.Mutex
	sent []Message

	// FailWith, when set, makes every Send return this error.
	FailWith error
}

// NewFakeMailer creates an empty fake mailer.
func NewFakeMailer() *FakeMailer {
	return &FakeMailer{}
}

// Send implements Mailer.
func (f *FakeMailer) Send(ctx context.Context, owner string, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailWith != nil {
		return "", f.FailWith
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("<fake-%d@canopy>", len(f.sent)), nil
}

// Sent returns a copy of the recorded messages.
func (f *FakeMailer) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}
