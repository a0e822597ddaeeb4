package digest

import (
	"context"
	"fmt"

	"github.io/infrasutra/digestd/internal/mailer"
	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/store"
)

// deliver renders one bucket and hands it to the sender. Every failure is
// returned wrapped in ErrDeliveryFailed; the caller clears the bucket either way.
func (s *Service) deliver(ctx context.Context, id string, key period.Key, msgs []store.Message) error {
	to, err := s.directory.AddressOf(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %w", ErrDeliveryFailed, id, err)
	}
	if to == "" {
		return fmt.Errorf("%w: %q has no address", ErrDeliveryFailed, id)
	}
	digest, err := s.renderer.Render(key, msgs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	msg := mailer.Message{
		From:     s.cfg.From,
		To:       []string{to},
		Subject:  digest.Subject,
		Body:     digest.Body,
		HeaderTo: []string{to},
		Headers:  map[string]string{"X-Digest-Period": string(key)},
	}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send to %s: %w", ErrDeliveryFailed, to, err)
	}
	s.logger.Info("digest sent", "id", id, "to", to, "period", key, "messages", len(msgs))
	return nil
}

func (s *Service) send(ctx context.Context, msg mailer.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return s.sender.Send(ctx, msg)
}
