package store

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.io/infrasutra/digestd/internal/period"
)

// The id is written twice: plain for readers of the raw document, and
// base64 in id-enc, which wins on decode. XML cannot carry control
// characters or invalid UTF-8 in the plain attribute.
type xmlDigest struct {
	XMLName xml.Name    `xml:"digest"`
	ID      string      `xml:"id,attr"`
	IDEnc   string      `xml:"id-enc,attr,omitempty"`
	Periods []xmlPeriod `xml:"messages"`
}

type xmlPeriod struct {
	Period   string       `xml:"period,attr"`
	Messages []xmlMessage `xml:"message"`
}

// Subject and body are stored base64 encoded in the -enc attributes. The
// plain attributes are only read, for records written by hand.
type xmlMessage struct {
	Subject    string `xml:"subject,attr,omitempty"`
	SubjectEnc string `xml:"subject-enc,attr,omitempty"`
	Body       string `xml:"body,attr,omitempty"`
	BodyEnc    string `xml:"body-enc,attr,omitempty"`
}

// EncodeRecord serializes a record to its durable XML form. Periods are
// written in ascending order so equal records encode to equal bytes.
func EncodeRecord(record Record) ([]byte, error) {
	doc := xmlDigest{ID: record.ID, IDEnc: encodeField(record.ID)}
	for _, key := range record.Periods() {
		msgs := record.Buckets[key]
		p := xmlPeriod{Period: string(key), Messages: make([]xmlMessage, 0, len(msgs))}
		for _, msg := range msgs {
			p.Messages = append(p.Messages, xmlMessage{
				SubjectEnc: encodeField(msg.Subject),
				BodyEnc:    encodeField(msg.Body),
			})
		}
		doc.Periods = append(doc.Periods, p)
	}
	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode digest %q: %w", record.ID, err)
	}
	return data, nil
}

// DecodeRecord rebuilds a record from EncodeRecord output. Repeated period
// elements are merged in document order.
func DecodeRecord(data []byte) (Record, error) {
	var doc xmlDigest
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("decode digest: %w", err)
	}
	id, err := decodeField(doc.IDEnc, doc.ID)
	if err != nil {
		return Record{}, fmt.Errorf("decode digest id: %w", err)
	}
	record := NewRecord(id)
	for _, p := range doc.Periods {
		key := period.Key(p.Period)
		msgs, ok := record.Buckets[key]
		if !ok {
			msgs = make([]Message, 0, len(p.Messages))
		}
		for _, m := range p.Messages {
			subject, err := decodeField(m.SubjectEnc, m.Subject)
			if err != nil {
				return Record{}, fmt.Errorf("decode digest %q subject: %w", id, err)
			}
			body, err := decodeField(m.BodyEnc, m.Body)
			if err != nil {
				return Record{}, fmt.Errorf("decode digest %q body: %w", id, err)
			}
			msgs = append(msgs, Message{To: id, Subject: subject, Body: body})
		}
		record.Buckets[key] = msgs
	}
	return record, nil
}

func encodeField(value string) string {
	if value == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(value))
}

func decodeField(encoded, plain string) (string, error) {
	if encoded == "" {
		return plain, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
