// Package mailer delivers rendered digests.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// Message is one outbound mail. HeaderTo, when set, replaces To in the
// visible To header; the envelope always uses To.
type Message struct {
	From     string
	To       []string
	Subject  string
	Body     string
	HeaderTo []string
	ReplyTo  []string
	Headers  map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// DefaultSendTimeout bounds one relay conversation when the caller's
// context has no deadline.
const DefaultSendTimeout = time.Minute

// SMTPSender relays mail through an SMTP server.
type SMTPSender struct {
	addr    string
	auth    sasl.Client
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewSMTPSender(addr, username, password string, logger *slog.Logger) *SMTPSender {
	var auth sasl.Client
	if username != "" || password != "" {
		auth = sasl.NewPlainClient("", username, password)
	}
	return &SMTPSender{
		addr:    addr,
		auth:    auth,
		timeout: DefaultSendTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Send relays msg. Cancelling ctx, or reaching its deadline, aborts the
// conversation at whatever step it is blocked on.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	raw, err := Compose(msg, s.now())
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.relay(ctx, msg, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("send mail: %w", ctxErr)
		}
		return fmt.Errorf("send mail: %w", err)
	}
	s.logger.Debug("digest mail relayed", "to", strings.Join(msg.To, ","), "subject", msg.Subject)
	return nil
}

func (s *SMTPSender) relay(ctx context.Context, msg Message, raw []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	// Closing the conn fails the blocked read or write and every later one.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	client := smtp.NewClient(conn)
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		host, _, _ := net.SplitHostPort(s.addr)
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return err
		}
	}
	if err := client.SendMail(msg.From, msg.To, bytes.NewReader(raw)); err != nil {
		return err
	}
	return client.Quit()
}

// Compose renders msg as an RFC 5322 text/plain message.
func Compose(msg Message, now time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	visibleTo := msg.HeaderTo
	if len(visibleTo) == 0 {
		visibleTo = msg.To
	}
	toList, err := parseList(visibleTo)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", toList)
	if len(msg.ReplyTo) > 0 {
		replyTo, err := parseList(msg.ReplyTo)
		if err != nil {
			return nil, err
		}
		h.SetAddressList("Reply-To", replyTo)
	}
	h.SetSubject(msg.Subject)
	h.SetMessageID(uuid.NewString() + "@" + domainOf(from.Address))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	for key, value := range msg.Headers {
		h.Set(key, value)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose mail: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("compose mail: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose mail: %w", err)
	}
	return buf.Bytes(), nil
}

// LogSender writes mail to the log instead of delivering it.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	s.logger.Info("digest mail",
		"from", msg.From,
		"to", strings.Join(msg.To, ","),
		"header_to", strings.Join(msg.HeaderTo, ","),
		"reply_to", strings.Join(msg.ReplyTo, ","),
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.From) == "" {
		return errors.New("mail has no sender")
	}
	if len(msg.To) == 0 {
		return errors.New("mail has no recipients")
	}
	return nil
}

func parseList(values []string) ([]*mail.Address, error) {
	list := make([]*mail.Address, 0, len(values))
	for _, value := range values {
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", value, err)
		}
		list = append(list, addr)
	}
	return list, nil
}

func domainOf(address string) string {
	if _, domain, ok := strings.Cut(address, "@"); ok && domain != "" {
		return domain
	}
	return "localhost"
}
