// Package smtpserver accepts notification mail over SMTP and hands each
// envelope recipient's copy to the digest queue.
package smtpserver

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const defaultDomain = "digestd"

// Submitter queues one notification for a recipient id.
type Submitter interface {
	Submit(to, subject, body string)
}

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(submitter Submitter, logger *slog.Logger, addr string, authCfg AuthConfig) *Server {
	backend := &backend{
		submitter:    submitter,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 5 << 20

	return &Server{smtp: server, logger: logger}
}

// ListenAndServe blocks until Close. A clean close returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp ingest listening", "addr", s.smtp.Addr)
	return ignoreClosed(s.smtp.ListenAndServe())
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp ingest listening", "addr", l.Addr().String())
	return ignoreClosed(s.smtp.Serve(l))
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

func ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type backend struct {
	submitter    Submitter
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeAddress(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	recipient := normalizeAddress(to)
	if recipient == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "recipient address required",
		}
	}
	s.to = append(s.to, recipient)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	subject, body, err := parseMessage(raw)
	if err != nil {
		s.backend.logger.Warn("parse ingested message", "from", s.from, "error", err)
	}

	seen := map[string]struct{}{}
	for _, recipient := range s.to {
		if _, ok := seen[recipient]; ok {
			continue
		}
		seen[recipient] = struct{}{}
		s.backend.submitter.Submit(recipient, subject, body)
	}
	s.backend.logger.Debug("ingested message", "from", s.from, "recipients", len(seen), "subject", subject)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// parseMessage extracts the subject and a plain-text body. HTML parts are
// used only when the message has no text/plain part. On a parse failure the
// raw message is returned as the body.
func parseMessage(raw []byte) (string, string, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", string(raw), err
	}

	subject, _ := reader.Header.Subject()

	var text, html []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return subject, joinParts(text, html), err
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		content, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case mediaType == "" || strings.HasPrefix(mediaType, "text/plain"):
			text = append(text, string(content))
		case strings.HasPrefix(mediaType, "text/html"):
			html = append(html, string(content))
		}
	}
	return subject, joinParts(text, html), nil
}

func joinParts(text, html []string) string {
	parts := text
	if len(parts) == 0 {
		parts = html
	}
	joined := strings.ReplaceAll(strings.Join(parts, "\n"), "\r\n", "\n")
	return strings.TrimRight(joined, "\n")
}

func normalizeAddress(addr string) string {
	return strings.TrimSpace(strings.ToLower(addr))
}
