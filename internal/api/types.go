package api

import "github.io/infrasutra/digestd/internal/store"

type submitRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type digestSummary struct {
	ID       string   `json:"id"`
	Periods  []string `json:"periods"`
	Messages int      `json:"messages"`
}

type digestDetail struct {
	ID      string       `json:"id"`
	Periods []periodView `json:"periods"`
}

type periodView struct {
	Period   string        `json:"period"`
	Messages []messageView `json:"messages"`
}

type messageView struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type deadLetterView struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason"`
	EnqueuedAt string `json:"enqueuedAt"`
	FailedAt   string `json:"failedAt"`
}

func toSummary(record store.Record) digestSummary {
	summary := digestSummary{
		ID:       record.ID,
		Periods:  []string{},
		Messages: record.MessageCount(),
	}
	for _, key := range record.Periods() {
		summary.Periods = append(summary.Periods, key.String())
	}
	return summary
}

func toDetail(record store.Record) digestDetail {
	detail := digestDetail{ID: record.ID, Periods: []periodView{}}
	for _, key := range record.Periods() {
		view := periodView{Period: key.String(), Messages: []messageView{}}
		for _, msg := range record.Messages(key) {
			view.Messages = append(view.Messages, messageView{Subject: msg.Subject, Body: msg.Body})
		}
		detail.Periods = append(detail.Periods, view)
	}
	return detail
}
