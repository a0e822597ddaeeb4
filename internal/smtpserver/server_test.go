package smtpserver

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/digestd/internal/testsupport"
)

type submission struct {
	to, subject, body string
}

type recorder struct {
	mu   sync.Mutex
	subs []submission
}

func (r *recorder) Submit(to, subject, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, submission{to: to, subject: subject, body: body})
}

func (r *recorder) submissions() []submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submission(nil), r.subs...)
}

func startIngest(t *testing.T, authCfg AuthConfig) (*recorder, string) {
	t.Helper()
	rec := &recorder{}
	server := New(rec, testsupport.Logger(), "", authCfg)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(listener)
	t.Cleanup(func() {
		server.Close()
	})
	return rec, listener.Addr().String()
}

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestIngestSubmitsPerRecipient(t *testing.T) {
	rec, addr := startIngest(t, AuthConfig{})

	msg := crlf(
		"From: app@example.com",
		"To: Alice@Example.com",
		"Subject: Build finished",
		"",
		"All green.",
		"Second line.",
	)
	err := smtp.SendMail(addr, nil, "app@example.com",
		[]string{"Alice@Example.com", "bob@example.com", "alice@example.com"}, strings.NewReader(msg))
	require.NoError(t, err)

	subs := rec.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, submission{"alice@example.com", "Build finished", "All green.\nSecond line."}, subs[0])
	assert.Equal(t, "bob@example.com", subs[1].to)
}

func TestIngestPrefersPlainTextPart(t *testing.T) {
	rec, addr := startIngest(t, AuthConfig{})

	msg := crlf(
		"From: app@example.com",
		"Subject: =?utf-8?q?Caf=C3=A9?=",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html body</p>",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain body",
		"--b1--",
	)
	require.NoError(t, smtp.SendMail(addr, nil, "app@example.com", []string{"carol@example.com"}, strings.NewReader(msg)))

	subs := rec.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "Café", subs[0].subject)
	assert.Equal(t, "plain body", subs[0].body)
}

func TestIngestFallsBackToHTML(t *testing.T) {
	subject, body, err := parseMessage([]byte(crlf(
		"Subject: only html",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<b>hi</b>",
	)))
	require.NoError(t, err)
	assert.Equal(t, "only html", subject)
	assert.Equal(t, "<b>hi</b>", body)
}

func TestIngestRequiresAuthWhenEnabled(t *testing.T) {
	authCfg := AuthConfig{Enabled: true, Username: "digest", Password: "secret"}
	rec, addr := startIngest(t, authCfg)
	msg := crlf("Subject: hi", "", "body")

	err := smtp.SendMail(addr, nil, "app@example.com", []string{"dave@example.com"}, strings.NewReader(msg))
	require.Error(t, err)
	assert.Empty(t, rec.submissions())

	err = smtp.SendMail(addr, sasl.NewPlainClient("", "digest", "wrong"), "app@example.com",
		[]string{"dave@example.com"}, strings.NewReader(msg))
	require.Error(t, err)

	err = smtp.SendMail(addr, sasl.NewPlainClient("", "digest", "secret"), "app@example.com",
		[]string{"dave@example.com"}, strings.NewReader(msg))
	require.NoError(t, err)
	require.Len(t, rec.submissions(), 1)
	assert.Equal(t, "dave@example.com", rec.submissions()[0].to)
}
