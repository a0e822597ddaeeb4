// Package directory resolves digest recipient ids to deliverable addresses.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var ErrNotFound = errors.New("no address for recipient")

type Directory interface {
	AddressOf(ctx context.Context, id string) (string, error)
}

// Static resolves ids from a fixed table. Ids that already are addresses
// resolve to themselves; bare ids fall back to id@Domain when Domain is set.
type Static struct {
	entries map[string]string
	domain  string
}

func NewStatic(domain string, entries map[string]string) *Static {
	normalized := make(map[string]string, len(entries))
	for id, addr := range entries {
		normalized[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	return &Static{entries: normalized, domain: strings.TrimPrefix(strings.TrimSpace(domain), "@")}
}

// ParseEntries reads "id=address" pairs separated by commas.
func ParseEntries(raw string) (map[string]string, error) {
	entries := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, addr, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(addr) == "" {
			return nil, fmt.Errorf("invalid directory entry %q", pair)
		}
		entries[strings.TrimSpace(id)] = strings.TrimSpace(addr)
	}
	return entries, nil
}

func (d *Static) AddressOf(_ context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrNotFound
	}
	if addr, ok := d.entries[id]; ok {
		return normalize(addr)
	}
	if strings.Contains(id, "@") {
		return normalize(id)
	}
	if d.domain == "" {
		return "", fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return normalize(id + "@" + d.domain)
}

func normalize(addr string) (string, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%q: %w", addr, ErrNotFound)
	}
	return strings.ToLower(parsed.Address), nil
}
