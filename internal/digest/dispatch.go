package digest

import (
	"context"
	"fmt"

	"github.io/infrasutra/digestd/internal/period"
)

type DispatchResult struct {
	Candidates int
	Sent       int
	Failed     int
	Skipped    int
}

// Dispatch mails and clears every bucket from a day before today. Once a
// full scan finds nothing to send, later calls on the same day return
// without touching the store.
func (s *Service) Dispatch(ctx context.Context) DispatchResult {
	var result DispatchResult
	current := period.Of(s.clock.Now())

	s.mu.Lock()
	if current != s.lastPeriod {
		s.dispatching = true
		s.lastPeriod = current
	}
	dispatching := s.dispatching
	s.mu.Unlock()
	if !dispatching {
		return result
	}

	s.logger.Debug("checking for digests to send", "period", current)
	records, err := s.store.GetAll(ctx)
	if err != nil {
		s.logger.Error("list digests", "error", err)
		return result
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return result
		}
		if !record.HasPeriodOtherThan(current) {
			continue
		}
		result.Candidates++
		sent, failed, err := s.dispatchRecord(ctx, record.ID, current)
		result.Sent += sent
		result.Failed += failed
		if err != nil {
			result.Skipped++
			s.logger.Warn("skip digest", "id", record.ID, "error", err)
		}
	}

	if result.Candidates == 0 && ctx.Err() == nil {
		s.mu.Lock()
		if s.lastPeriod == current {
			s.dispatching = false
		}
		s.mu.Unlock()
		s.logger.Debug("no digests pending; idle until next period", "period", current)
	}
	s.stats.sent.Add(int64(result.Sent))
	s.stats.failed.Add(int64(result.Failed))
	return result
}

func (s *Service) dispatchRecord(ctx context.Context, id string, current period.Key) (sent, failed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch %q panicked: %v", id, r)
		}
	}()

	edit, err := s.store.Edit(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	defer s.store.Release(edit)

	delivered := s.deliveredPeriods(id)
	var handled []period.Key
	changed := false
	for _, key := range edit.Periods() {
		if key == current {
			continue
		}
		msgs := edit.Messages(key)
		switch {
		case len(msgs) == 0:
		case delivered[key]:
			s.logger.Info("clearing digest delivered on an earlier pass", "id", id, "period", key)
		default:
			if err := s.deliver(ctx, id, key, msgs); err != nil {
				failed++
				s.logger.Warn("digest not sent", "id", id, "period", key, "error", err)
			} else {
				sent++
			}
			handled = append(handled, key)
		}
		edit.Clear(key)
		changed = true
	}

	switch {
	case !changed:
		err = s.store.Cancel(edit)
	case edit.Empty():
		err = s.Remove(ctx, edit)
	default:
		err = s.Commit(ctx, edit)
	}
	if err != nil {
		if len(handled) > 0 {
			s.rememberDelivered(id, handled)
			s.logger.Error("digest delivered but not cleared; next pass clears without resending",
				"id", id,
				"periods", handled,
				"error", err,
			)
		}
		return sent, failed, err
	}
	s.forgetDelivered(id)
	return sent, failed, nil
}

func (s *Service) deliveredPeriods(id string) map[period.Key]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[period.Key]bool, len(s.delivered[id]))
	for key := range s.delivered[id] {
		out[key] = true
	}
	return out
}

func (s *Service) rememberDelivered(id string, keys []period.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.delivered[id]
	if set == nil {
		set = make(map[period.Key]bool)
		s.delivered[id] = set
	}
	for _, key := range keys {
		set[key] = true
	}
}

func (s *Service) forgetDelivered(id string) {
	s.mu.Lock()
	delete(s.delivered, id)
	s.mu.Unlock()
}
