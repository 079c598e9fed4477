// Package mail delivers account emails over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var ErrDelivery = errors.New("email delivery failed")

type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends one message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer opens a new SMTP session, on its own go-mail Client, for every
// message. A Client holds a single connection and must not be shared between
// concurrent sends.
type SMTPMailer struct {
	host   string
	opts   []gomail.Option
	from   string
	logger *zap.Logger
}

func NewSMTPMailer(cfg config.MailConfig, logger *zap.Logger) (*SMTPMailer, error) {
	policy := gomail.TLSMandatory
	if cfg.Port == 25 {
		policy = gomail.TLSOpportunistic
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(policy),
		gomail.WithTimeout(15 * time.Second),
	}
	if cfg.Port == 465 {
		opts = append(opts, gomail.WithSSLPort(false))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	m, err := newSMTPMailer(cfg.Host, cfg.From, logger, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("SMTP mailer initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))
	return m, nil
}

// newSMTPMailer checks the options once so that a bad configuration fails at
// startup instead of on the first message.
func newSMTPMailer(host, from string, logger *zap.Logger, opts ...gomail.Option) (*SMTPMailer, error) {
	if _, err := gomail.NewClient(host, opts...); err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &SMTPMailer{host: host, opts: opts, from: from, logger: logger}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	gm := gomail.NewMsg()
	if err := gm.From(m.from); err != nil {
		return fmt.Errorf("%w: invalid sender: %v", ErrDelivery, err)
	}
	if err := gm.To(msg.To); err != nil {
		return fmt.Errorf("%w: invalid recipient: %v", ErrDelivery, err)
	}
	gm.Subject(msg.Subject)
	gm.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		gm.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}

	client, err := gomail.NewClient(m.host, m.opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	start := time.Now()
	if err := client.DialAndSendWithContext(ctx, gm); err != nil {
		m.logger.Error("Failed to send email",
			util.Email("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	m.logger.Info("Email sent",
		util.Email("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// LogMailer prints messages to out instead of delivering them. It is
// refused in production by config validation.
type LogMailer struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
}

func NewLogMailer(out io.Writer, logger *zap.Logger) *LogMailer {
	return &LogMailer{out: out, logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := fmt.Fprintf(m.out, "----- mail -----\nTo: %s\nSubject: %s\n\n%s\n----------------\n",
		msg.To, msg.Subject, msg.Text); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	m.logger.Info("Email written to console",
		util.Email("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}
