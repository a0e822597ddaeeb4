package store

import (
	"sort"

	"github.io/infrasutra/digestd/internal/period"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Record struct {
	ID      string
	Buckets map[period.Key][]Message
}

func NewRecord(id string) Record {
	return Record{ID: id, Buckets: map[period.Key][]Message{}}
}

// Periods returns the bucket keys in ascending order.
func (r Record) Periods() []period.Key {
	keys := make([]period.Key, 0, len(r.Buckets))
	for key := range r.Buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (r Record) Messages(key period.Key) []Message {
	msgs := r.Buckets[key]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// HasPeriodOtherThan reports whether any bucket belongs to a day other than key.
func (r Record) HasPeriodOtherThan(key period.Key) bool {
	for k := range r.Buckets {
		if k != key {
			return true
		}
	}
	return false
}

func (r Record) MessageCount() int {
	total := 0
	for _, msgs := range r.Buckets {
		total += len(msgs)
	}
	return total
}

func (r Record) Clone() Record {
	clone := NewRecord(r.ID)
	for key, msgs := range r.Buckets {
		copied := make([]Message, len(msgs))
		copy(copied, msgs)
		clone.Buckets[key] = copied
	}
	return clone
}
