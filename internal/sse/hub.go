// Package sse fans digest lifecycle events out to server-sent-event streams.
package sse

import "sync"

// All subscribes to events for every recipient.
const All = "*"

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a buffered channel for id. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(id string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[id]; !ok {
		h.subs[id] = make(map[chan []byte]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[id]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, id)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers payload to subscribers of each id and of All. Slow
// subscribers miss events rather than block the caller.
func (h *Hub) Broadcast(ids []string, payload []byte) {
	if len(ids) == 0 {
		return
	}
	unique := map[string]struct{}{All: {}}
	for _, id := range ids {
		if id == "" {
			continue
		}
		unique[id] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range unique {
		for ch := range h.subs[id] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subscribers := range h.subs {
		total += len(subscribers)
	}
	return total
}
