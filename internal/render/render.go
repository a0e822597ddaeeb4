// Package render turns a day's bucket of digest messages into one mail.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/store"
	"github.io/infrasutra/digestd/web"
)

const digestTemplate = "digest.txt.tmpl"

type Renderer struct {
	tpl         *template.Template
	serviceName string
	serverURL   string
}

type Digest struct {
	Subject string
	Body    string
}

func New(serviceName, serverURL string) (*Renderer, error) {
	templates, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	tpl, err := template.New(digestTemplate).
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		ParseFS(templates, digestTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}
	return &Renderer{tpl: tpl, serviceName: serviceName, serverURL: serverURL}, nil
}

func (r *Renderer) Subject(key period.Key) string {
	return fmt.Sprintf("%s Notifications %s", r.serviceName, key)
}

// Render builds the digest for one bucket: a numbered table of contents,
// each message in bucket order, and a footer.
func (r *Renderer) Render(key period.Key, msgs []store.Message) (Digest, error) {
	if len(msgs) == 0 {
		return Digest{}, errors.New("render digest: no messages")
	}
	subject := r.Subject(key)
	data := struct {
		Subject     string
		ServiceName string
		ServerURL   string
		Messages    []store.Message
	}{
		Subject:     subject,
		ServiceName: r.serviceName,
		ServerURL:   r.serverURL,
		Messages:    msgs,
	}
	var buf bytes.Buffer
	if err := r.tpl.ExecuteTemplate(&buf, digestTemplate, data); err != nil {
		return Digest{}, fmt.Errorf("render digest: %w", err)
	}
	return Digest{Subject: subject, Body: buf.String()}, nil
}
