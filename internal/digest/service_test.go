package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/digestd/internal/directory"
	"github.io/infrasutra/digestd/internal/mailer"
	"github.io/infrasutra/digestd/internal/period"
	"github.io/infrasutra/digestd/internal/render"
	"github.io/infrasutra/digestd/internal/store"
	"github.io/infrasutra/digestd/internal/testsupport"
)

var testZone = time.FixedZone("test", 2*60*60)

type harness struct {
	svc     *Service
	store   *store.Store
	backend *testsupport.FlakyBackend
	clock   *testsupport.Clock
	sender *testsupport.Sender
	events *testsupport.Publisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, backend := testsupport.MustOpenFlakyStore(t)
	renderer, err := render.New("Digest", "http://digest.local")
	require.NoError(t, err)
	h := &harness{
		store:   st,
		backend: backend,
		clock:   testsupport.NewClock(time.Date(2024, 1, 1, 9, 0, 0, 0, testZone)),
		sender:  &testsupport.Sender{},
		events:  &testsupport.Publisher{},
	}
	if cfg.From == "" {
		cfg.From = "postmaster@digest.local"
	}
	dir := directory.NewStatic("example.com", nil)
	h.svc = New(cfg, st, renderer, h.sender, dir, testsupport.Logger(),
		WithClock(h.clock), WithPublisher(h.events))
	return h
}

func (h *harness) nextDay() {
	h.clock.Advance(24 * time.Hour)
}

// Scenario A: same-day submissions share one bucket, in order.
func TestDrainBucketsSameDayInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.svc.Submit("alice", "first", "body 1")
	h.clock.Advance(3 * time.Hour)
	h.svc.Submit("alice", "second", "body 2")
	h.svc.Submit("alice", "third", "body 3")

	result := h.svc.Drain(ctx)
	assert.Equal(t, DrainResult{Processed: 3}, result)

	record := testsupport.MustGet(t, h.store, "alice")
	require.Equal(t, []period.Key{"2024-01-01"}, record.Periods())
	msgs := record.Buckets["2024-01-01"]
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Subject)
	assert.Equal(t, "second", msgs[1].Subject)
	assert.Equal(t, "third", msgs[2].Subject)
	assert.Equal(t, 3, h.events.Count())
}

// Scenario B: rollover sends one digest and deletes the record.
func TestDispatchSendsPriorDayAndDeletes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "first", "body 1")
	h.svc.Submit("alice", "second", "body 2")
	h.svc.Submit("alice", "third", "body 3")
	h.svc.Drain(ctx)

	h.nextDay()
	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1, Sent: 1}, result)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	assert.Equal(t, "postmaster@digest.local", msg.From)
	assert.Equal(t, []string{"alice@example.com"}, msg.To)
	assert.Equal(t, []string{"alice@example.com"}, msg.HeaderTo)
	assert.Equal(t, "Digest Notifications 2024-01-01", msg.Subject)
	assert.Equal(t, "2024-01-01", msg.Headers["X-Digest-Period"])
	assert.Contains(t, msg.Body, "1.  first\n2.  second\n3.  third\n")
	for _, body := range []string{"body 1", "body 2", "body 3"} {
		assert.Contains(t, msg.Body, body)
	}

	exists, err := h.store.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, strings.Contains(h.events.Events[len(h.events.Events)-1], "digest.remove"))
}

func TestDispatchIgnoresCurrentPeriod(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "today", "")
	h.svc.Drain(ctx)

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, h.sender.Sent())
	testsupport.MustGet(t, h.store, "alice")
}

func TestDispatchKeepsCurrentBucketAndCommits(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "yesterday", "")
	h.svc.Drain(ctx)
	h.nextDay()
	h.svc.Submit("alice", "today", "")
	h.svc.Drain(ctx)

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 1, result.Sent)

	record := testsupport.MustGet(t, h.store, "alice")
	assert.Equal(t, []period.Key{"2024-01-02"}, record.Periods())
	assert.Equal(t, "today", record.Buckets["2024-01-02"][0].Subject)
}

func TestDispatchSendsEachPriorPeriodSeparately(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "day one", "")
	h.svc.Drain(ctx)
	h.nextDay()
	h.svc.Submit("alice", "day two", "")
	h.svc.Drain(ctx)
	h.nextDay()

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 2, result.Sent)
	sent := h.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Digest Notifications 2024-01-01", sent[0].Subject)
	assert.Equal(t, "Digest Notifications 2024-01-02", sent[1].Subject)
}

// Scenario D: a day without candidates stops scanning until the next day.
func TestDispatchStopsScanningWhenIdle(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.True(t, h.svc.DispatchingToday())

	h.svc.Dispatch(ctx)
	assert.False(t, h.svc.DispatchingToday())

	// Backfill a prior-day bucket directly; an idle day must not notice it.
	edit, err := h.store.Create(ctx, "alice")
	require.NoError(t, err)
	edit.Add("2023-12-31", store.Message{Subject: "late"})
	require.NoError(t, h.store.Commit(ctx, edit))

	h.clock.Advance(time.Hour)
	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{}, result)
	assert.False(t, h.svc.DispatchingToday())
	assert.Empty(t, h.sender.Sent())

	h.nextDay()
	result = h.svc.Dispatch(ctx)
	assert.True(t, h.svc.DispatchingToday())
	assert.Equal(t, 1, result.Sent)
}

func TestDispatchStaysActiveWhileCandidatesRemain(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "one", "")
	h.svc.Drain(ctx)
	h.nextDay()

	held, err := h.store.Edit(ctx, "alice")
	require.NoError(t, err)

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1, Skipped: 1}, result)
	assert.True(t, h.svc.DispatchingToday())
	assert.Empty(t, h.sender.Sent())
	require.NoError(t, h.store.Cancel(held))

	result = h.svc.Dispatch(ctx)
	assert.Equal(t, 1, result.Sent)
}

func TestDeliveryFailureStillClearsBucket(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.sender.Err = errors.New("relay down")
	h.svc.Submit("alice", "one", "")
	h.svc.Submit("bob", "two", "")
	h.svc.Drain(ctx)
	h.nextDay()

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 2, Failed: 2}, result)
	assert.Len(t, h.sender.Sent(), 2)

	records, err := h.store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int64(2), h.svc.Stats().Failed)
}

type panicSender struct{}

func (panicSender) Send(context.Context, mailer.Message) error {
	panic("boom")
}

func TestSenderPanicIsContained(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.sender = panicSender{}
	ctx := context.Background()
	h.svc.Submit("alice", "one", "")
	h.svc.Drain(ctx)
	h.nextDay()

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 1, result.Failed)
	exists, err := h.store.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUnresolvableAddressClearsWithoutSending(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.directory = directory.NewStatic("", nil)
	ctx := context.Background()
	h.svc.Submit("alice", "one", "")
	h.svc.Drain(ctx)
	h.nextDay()

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, h.sender.Sent())
	exists, err := h.store.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

// Scenario C: a create racing the drain loses nothing.
func TestDrainRetriesWhileRecordLocked(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	racing, err := h.store.Create(ctx, "bob")
	require.NoError(t, err)

	h.svc.Submit("bob", "one", "")
	h.svc.Submit("bob", "two", "")
	result := h.svc.Drain(ctx)
	assert.Equal(t, DrainResult{Retried: 2}, result)
	assert.Equal(t, 2, h.svc.Stats().QueueDepth)

	racing.Add(period.Of(h.clock.Now()), store.Message{Subject: "zero"})
	require.NoError(t, h.store.Commit(ctx, racing))

	result = h.svc.Drain(ctx)
	assert.Equal(t, DrainResult{Processed: 2}, result)

	record := testsupport.MustGet(t, h.store, "bob")
	msgs := record.Buckets["2024-01-01"]
	require.Len(t, msgs, 3)
	assert.Equal(t, "zero", msgs[0].Subject)
	assert.Equal(t, "one", msgs[1].Subject)
	assert.Equal(t, "two", msgs[2].Subject)
}

func TestDrainDeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	held, err := h.store.Create(ctx, "bob")
	require.NoError(t, err)
	defer h.store.Release(held)

	h.svc.Submit("bob", "stuck", "")
	assert.Equal(t, DrainResult{Retried: 1}, h.svc.Drain(ctx))
	assert.Equal(t, DrainResult{DeadLettered: 1}, h.svc.Drain(ctx))
	assert.Equal(t, DrainResult{}, h.svc.Drain(ctx))

	dead := h.svc.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "stuck", dead[0].Item.Message.Subject)
	assert.Equal(t, 2, dead[0].Item.Attempts)
	assert.Contains(t, dead[0].Reason, "in use")
}

func TestCreateOrEdit(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	edit, err := h.svc.CreateOrEdit(ctx, "alice")
	require.NoError(t, err)
	edit.Add("2024-01-01", store.Message{Subject: "admin"})
	require.NoError(t, h.svc.Commit(ctx, edit))

	edit, err = h.svc.CreateOrEdit(ctx, "alice")
	require.NoError(t, err)
	_, err = h.svc.CreateOrEdit(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrInUse)
	require.NoError(t, h.svc.Remove(ctx, edit))

	_, err = h.svc.Get(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
	records, err := h.svc.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStartStopRunsTicks(t *testing.T) {
	h := newHarness(t, Config{DrainInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))
	assert.Error(t, h.svc.Start(ctx))

	h.svc.Submit("alice", "tick", "")
	require.Eventually(t, func() bool {
		exists, err := h.store.Exists(ctx, "alice")
		return err == nil && exists
	}, 2*time.Second, 10*time.Millisecond)

	h.nextDay()
	require.Eventually(t, func() bool {
		return len(h.sender.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.svc.Stop()
	h.svc.Stop()
	stats := h.svc.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Drained)
	assert.Equal(t, int64(1), stats.Sent)
}

func (h *harness) backfill(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	edit, err := h.svc.CreateOrEdit(ctx, id)
	require.NoError(t, err)
	edit.Add("2023-12-31", store.Message{Subject: "late"})
	require.NoError(t, h.store.Commit(ctx, edit))
}

func TestTicksPerDispatch(t *testing.T) {
	cases := []struct {
		drain, dispatch time.Duration
		want            int
	}{
		{time.Second, time.Second, 1},
		{time.Second, 3 * time.Second, 3},
		{time.Second, 2500 * time.Millisecond, 3},
		{2 * time.Second, time.Second, 1},
		{0, 5 * time.Second, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ticksPerDispatch(tc.drain, tc.dispatch), "%v/%v", tc.dispatch, tc.drain)
	}
}

func TestTickDispatchesByTickCount(t *testing.T) {
	h := newHarness(t, Config{DrainInterval: time.Second, DispatchInterval: 3 * time.Second})
	ctx := context.Background()
	require.Equal(t, 3, h.svc.dispatchEvery)

	h.backfill(t, "alice")
	h.svc.tick(ctx)
	require.Len(t, h.sender.Sent(), 1, "first tick dispatches")

	h.backfill(t, "bob")
	// a clock jump inside the day does not make a pass due early
	h.clock.Advance(time.Hour)
	h.svc.tick(ctx)
	h.svc.tick(ctx)
	assert.Len(t, h.sender.Sent(), 1)

	h.svc.tick(ctx)
	assert.Len(t, h.sender.Sent(), 2)
}

func TestStartAgainAfterParentCancelled(t *testing.T) {
	h := newHarness(t, Config{DrainInterval: 10 * time.Millisecond})
	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.svc.Start(parent))
	require.True(t, h.svc.Running())

	cancel()
	require.Eventually(t, func() bool {
		return !h.svc.Running()
	}, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx))
	h.svc.Submit("alice", "after restart", "")
	require.Eventually(t, func() bool {
		exists, err := h.store.Exists(ctx, "alice")
		return err == nil && exists
	}, 2*time.Second, 10*time.Millisecond)

	h.svc.Stop()
	assert.False(t, h.svc.Running())
}

func TestClearDeadLetters(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	held, err := h.store.Create(ctx, "bob")
	require.NoError(t, err)
	defer h.store.Release(held)

	h.svc.Submit("bob", "one", "")
	h.svc.Submit("bob", "two", "")
	assert.Equal(t, DrainResult{DeadLettered: 2}, h.svc.Drain(ctx))

	assert.Equal(t, 2, h.svc.ClearDeadLetters())
	assert.Empty(t, h.svc.DeadLetters())
	assert.Equal(t, 0, h.svc.ClearDeadLetters())
}

func TestDeliveredDigestNotResentWhenRemoveFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "one", "")
	h.svc.Drain(ctx)
	h.nextDay()
	h.backend.Fail(testsupport.OpDelete, errors.New("disk full"))

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1, Sent: 1, Skipped: 1}, result)
	testsupport.MustGet(t, h.store, "alice")

	result = h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1, Skipped: 1}, result)
	assert.Len(t, h.sender.Sent(), 1)

	h.backend.Fail(testsupport.OpDelete, nil)
	result = h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1}, result)
	assert.Len(t, h.sender.Sent(), 1)
	exists, err := h.store.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, h.svc.deliveredPeriods("alice"))
}

func TestDeliveredDigestNotResentWhenCommitFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "yesterday", "")
	h.svc.Drain(ctx)
	h.nextDay()
	h.svc.Submit("alice", "today", "")
	h.svc.Drain(ctx)
	h.backend.Fail(testsupport.OpSave, errors.New("disk full"))

	result := h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1, Sent: 1, Skipped: 1}, result)

	h.backend.Fail(testsupport.OpSave, nil)
	result = h.svc.Dispatch(ctx)
	assert.Equal(t, DispatchResult{Candidates: 1}, result)
	assert.Len(t, h.sender.Sent(), 1)

	record := testsupport.MustGet(t, h.store, "alice")
	assert.Equal(t, []period.Key{"2024-01-02"}, record.Periods())
}

func TestDrainRetriesPersistenceFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.backend.Fail(testsupport.OpSave, errors.New("disk full"))

	h.svc.Submit("alice", "one", "")
	assert.Equal(t, DrainResult{Retried: 1}, h.svc.Drain(ctx))
	assert.Equal(t, 1, h.svc.Stats().QueueDepth)

	// the failed commit must not strand the record lock
	h.backend.Fail(testsupport.OpSave, nil)
	assert.Equal(t, DrainResult{Processed: 1}, h.svc.Drain(ctx))
	record := testsupport.MustGet(t, h.store, "alice")
	require.Len(t, record.Buckets["2024-01-01"], 1)
	assert.Equal(t, "one", record.Buckets["2024-01-01"][0].Subject)
}

func TestDrainDeadLettersPersistenceFailure(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	h.backend.Fail(testsupport.OpExists, errors.New("connection refused"))

	h.svc.Submit("alice", "one", "")
	assert.Equal(t, DrainResult{DeadLettered: 1}, h.svc.Drain(ctx))
	dead := h.svc.DeadLetters()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, store.ErrPersistence.Error())
}

func TestDrainRecoversWhenRecordAppearsAfterCheck(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.svc.Submit("alice", "zero", "")
	h.svc.Drain(ctx)

	// Exists now reports false, so the drain's Create hits ErrAlreadyExists.
	h.backend.StaleExistsOnce()
	h.svc.Submit("alice", "one", "")
	assert.Equal(t, DrainResult{Processed: 1}, h.svc.Drain(ctx))

	msgs := testsupport.MustGet(t, h.store, "alice").Buckets["2024-01-01"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "zero", msgs[0].Subject)
	assert.Equal(t, "one", msgs[1].Subject)
}

func TestDrainRecoversWhenRecordVanishesAfterCheck(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Exists reports true for a missing record, so Edit hits ErrNotFound.
	h.backend.StaleExistsOnce()
	h.svc.Submit("alice", "one", "")
	assert.Equal(t, DrainResult{Processed: 1}, h.svc.Drain(ctx))

	msgs := testsupport.MustGet(t, h.store, "alice").Buckets["2024-01-01"]
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Subject)
}

func TestControlCharacterIDDispatchesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id := "ali\x01ce"

	h.svc.Submit(id, "one", "")
	assert.Equal(t, DrainResult{Processed: 1}, h.svc.Drain(ctx))
	assert.Equal(t, id, testsupport.MustGet(t, h.store, id).ID)

	h.nextDay()
	result := h.svc.Dispatch(ctx)
	assert.Equal(t, 1, result.Candidates)
	assert.Zero(t, result.Skipped)
	exists, err := h.store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, DispatchResult{}, h.svc.Dispatch(ctx))
	assert.False(t, h.svc.DispatchingToday())
}
