package digest

import (
	"context"
	"errors"

	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/queue"
	"github.io/infrasutra/digestd/internal/store"
)

type DrainResult struct {
	Processed    int
	Retried      int
	DeadLettered int
}

// Drain moves every queued message into the current-period bucket of its
// recipient. Messages whose record is locked, or that hit a store error, are
// requeued for the next drain until MaxAttempts is reached.
func (s *Service) Drain(ctx context.Context) DrainResult {
	var result DrainResult
	items := s.queue.DrainAll()
	if len(items) == 0 {
		return result
	}
	key := period.Of(s.clock.Now())

	var retry []queue.Item
	for _, item := range items {
		if ctx.Err() != nil {
			retry = append(retry, item)
			continue
		}
		err := s.appendMessage(ctx, key, item.Message)
		if err == nil {
			result.Processed++
			continue
		}
		item.Attempts++
		if s.cfg.MaxAttempts > 0 && item.Attempts >= s.cfg.MaxAttempts {
			s.queue.DeadLetter(item, err.Error())
			result.DeadLettered++
			s.logger.Error("digest message dead-lettered",
				"to", item.Message.To,
				"subject", item.Message.Subject,
				"attempts", item.Attempts,
				"error", err,
			)
			continue
		}
		s.logger.Debug("digest message requeued", "to", item.Message.To, "attempts", item.Attempts, "error", err)
		retry = append(retry, item)
		result.Retried++
	}
	s.queue.Requeue(retry)

	s.stats.drained.Add(int64(result.Processed))
	s.stats.retried.Add(int64(result.Retried))
	s.stats.deadLettered.Add(int64(result.DeadLettered))
	return result
}

func (s *Service) appendMessage(ctx context.Context, key period.Key, msg store.Message) error {
	edit, err := s.lockRecord(ctx, msg.To)
	if err != nil {
		return err
	}
	defer s.store.Release(edit)

	edit.Add(key, msg)
	return s.Commit(ctx, edit)
}

// lockRecord edits id, creating it when missing. A record created or removed
// between the existence check and the lock flips the choice once.
func (s *Service) lockRecord(ctx context.Context, id string) (*store.Edit, error) {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		var edit *store.Edit
		if exists {
			edit, err = s.store.Edit(ctx, id)
		} else {
			edit, err = s.store.Create(ctx, id)
		}
		raced := errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyExists)
		if !raced || attempt > 0 {
			return edit, err
		}
		s.logger.Debug("digest changed during lookup", "id", id, "existed", exists)
		exists = !exists
	}
}
