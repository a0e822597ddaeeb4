package store

import (
	"github.io/infrasutra/digestd/internal/period"
)

// Edit is exclusive write access to one record, obtained from Store.Create
// or Store.Edit. It is not safe for concurrent use by multiple goroutines.
type Edit struct {
	token  string
	record Record
	active bool
}

func newEdit(id, token string, record Record) *Edit {
	record.ID = id
	if record.Buckets == nil {
		record.Buckets = map[period.Key][]Message{}
	}
	return &Edit{token: token, record: record, active: true}
}

func (e *Edit) ID() string {
	return e.record.ID
}

// Add appends msg to the bucket for key.
func (e *Edit) Add(key period.Key, msg Message) {
	msg.To = e.record.ID
	e.record.Buckets[key] = append(e.record.Buckets[key], msg)
}

func (e *Edit) Messages(key period.Key) []Message {
	return e.record.Messages(key)
}

func (e *Edit) Periods() []period.Key {
	return e.record.Periods()
}

// Clear drops the bucket for key entirely.
func (e *Edit) Clear(key period.Key) {
	delete(e.record.Buckets, key)
}

func (e *Edit) Empty() bool {
	return len(e.record.Buckets) == 0
}

// Record returns a copy of the edit's current state.
func (e *Edit) Record() Record {
	return e.record.Clone()
}
