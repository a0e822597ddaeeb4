// Command ingest sends a burst of notification mail to a running digestd
// SMTP listener.
package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

func main() {
	addr := getenvDefault("DIGESTD_SMTP", "127.0.0.1:2025")
	username := os.Getenv("SMTP_USERNAME")
	password := os.Getenv("SMTP_PASSWORD")
	recipients := []string{"alice@example.com", "bob@example.com"}

	var auth sasl.Client
	if username != "" || password != "" {
		auth = sasl.NewPlainClient("", username, password)
	}

	for i := 1; i <= 10; i++ {
		msg, err := buildMessage("ci@example.com", recipients, fmt.Sprintf("Build #%d finished", i),
			fmt.Sprintf("Pipeline run %d completed at %s.", i, time.Now().Format(time.Kitchen)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "compose:", err)
			os.Exit(1)
		}
		if err := smtp.SendMail(addr, auth, "ci@example.com", recipients, bytes.NewReader(msg)); err != nil {
			fmt.Fprintln(os.Stderr, "smtp error:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("queued 10 notifications for %d recipients\n", len(recipients))
}

func buildMessage(from string, to []string, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	list := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		list = append(list, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", list)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
