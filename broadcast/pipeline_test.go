package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/lock"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

const (
	convA = "3f6a1d2e-5b7c-4e8f-9a01-23456789abcd"
	convB = "9e8d7c6b-5a49-4382-a1b0-fedcba987654"
)

var sweepNow = time.Date(2024, 11, 4, 10, 0, 0, 0, time.UTC)

func acceptedConvention(id string) convention.Convention {
	signed := sweepNow.Add(-48 * time.Hour)
	return convention.Convention{
		ID:             id,
		Status:         convention.AcceptedByValidator{ValidatedAt: sweepNow.Add(-time.Hour)},
		DateSubmission: sweepNow.Add(-72 * time.Hour),
		DateStart:      sweepNow.Add(24 * time.Hour),
		DateEnd:        sweepNow.Add(5 * 24 * time.Hour),
		AgencyID:       "agency-pe",
		Siret:          "12345678901234",
		BusinessName:   "Garage Durand",
		Signatories: map[convention.Role]convention.Signatory{
			convention.RoleBeneficiary:                 {Role: convention.RoleBeneficiary, FirstName: "Jane", LastName: "Doe", Email: "jane@example.com", SignedAt: &signed},
			convention.RoleEstablishmentRepresentative: {Role: convention.RoleEstablishmentRepresentative, FirstName: "Paul", LastName: "Durand", Email: "paul@example.com", SignedAt: &signed},
		},
	}
}

type fixture struct {
	conventions *fakeConventions
	partner     *fakePartner
	ledger      *memLedger
	feedback    *memFeedback
	pipeline    *Pipeline
}

func newFixture(cfg Config, convs ...convention.Convention) *fixture {
	f := &fixture{
		conventions: &fakeConventions{rows: map[string]convention.Convention{}},
		partner:     &fakePartner{status: 200},
		ledger:      &memLedger{rows: map[string]LedgerEntry{}},
		feedback:    &memFeedback{rows: map[string]Feedback{}},
	}
	for _, c := range convs {
		f.conventions.rows[c.ID] = c
	}
	agencies := fakeAgencies{"agency-pe": agency.KindPoleEmploi, "agency-ml": agency.KindMissionLocale}
	f.pipeline = NewPipeline(cfg, f.conventions, agencies, f.partner, f.ledger, f.feedback).
		WithClock(func() time.Time { return sweepNow })
	return f
}

func readyEvent(t *testing.T, id string) outbox.StoredEvent {
	return readyEventAt(t, id, sweepNow)
}

func readyEventAt(t *testing.T, id string, at time.Time) outbox.StoredEvent {
	t.Helper()
	ev, err := outbox.NewEvent(outbox.TopicConventionReadyForBroadcast, at, outbox.ConventionRefPayload{ConventionID: id})
	require.NoError(t, err)
	return outbox.StoredEvent{Event: ev, Seq: 1}
}

func TestPipelineHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("success records the status code", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		entry := f.ledger.rows[convA]
		assert.Equal(t, StatusSuccess, entry.Status)
		require.NotNil(t, entry.Reason)
		assert.Equal(t, "200", *entry.Reason)
		assert.True(t, sweepNow.Equal(*entry.ProcessDate))
		assert.Nil(t, f.feedback.rows[convA].SubscriberErrorFeedback)
		require.Len(t, f.partner.keys, 1)
		assert.Len(t, f.partner.keys[0], 64)
	})

	t.Run("partner 404 then agency handles the error once", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.partner.status = 404
		f.partner.body = []byte(`{"message":"unknown siret"}`)

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		entry, err := f.pipeline.GetSyncLedgerEntry(ctx, convA)
		require.NoError(t, err)
		assert.Equal(t, StatusError, entry.Status)
		assert.Equal(t, "404", *entry.Reason)

		fb, err := f.pipeline.GetLatestFeedback(ctx, convA)
		require.NoError(t, err)
		require.NotNil(t, fb.SubscriberErrorFeedback)
		assert.Equal(t, "partner answered 404 Not Found", fb.SubscriberErrorFeedback.Message)
		assert.Equal(t, 404, fb.Response.HTTPStatus)
		assert.False(t, fb.HandledByAgency)

		require.NoError(t, f.pipeline.MarkHandled(ctx, convA, convention.RoleCounsellor))
		assert.ErrorIs(t, f.pipeline.MarkHandled(ctx, convA, convention.RoleCounsellor), ErrNotFound)
		assert.True(t, f.feedback.rows[convA].HandledByAgency)
	})

	t.Run("rejected documents are skipped", func(t *testing.T) {
		for _, code := range []int{410, 422} {
			f := newFixture(Config{}, acceptedConvention(convA))
			f.partner.status = code

			require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))
			assert.Equal(t, StatusSkip, f.ledger.rows[convA].Status, "code %d", code)
		}
	})

	t.Run("timeout is recorded as error", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.partner.err = context.DeadlineExceeded

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		entry := f.ledger.rows[convA]
		assert.Equal(t, StatusError, entry.Status)
		assert.Equal(t, reasonTimeout, *entry.Reason)
		assert.Equal(t, reasonTimeout, f.feedback.rows[convA].SubscriberErrorFeedback.Error)
	})

	t.Run("agency outside jurisdiction is skipped without calling partner", func(t *testing.T) {
		conv := acceptedConvention(convA)
		conv.AgencyID = "agency-ml"
		f := newFixture(Config{AgencyKinds: []agency.Kind{agency.KindPoleEmploi}}, conv)

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		assert.Equal(t, StatusSkip, f.ledger.rows[convA].Status)
		assert.Empty(t, f.partner.keys)
	})

	t.Run("status moved on since the event", func(t *testing.T) {
		conv := acceptedConvention(convA)
		conv.Status = convention.Cancelled{Justification: "duplicate"}
		f := newFixture(Config{}, conv)

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		assert.Equal(t, StatusSkip, f.ledger.rows[convA].Status)
		assert.Empty(t, f.partner.keys)
	})

	t.Run("unknown convention and malformed payload are dropped", func(t *testing.T) {
		f := newFixture(Config{})

		assert.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convB)))
		bad := readyEvent(t, convA)
		bad.Payload = []byte(`not json`)
		assert.NoError(t, f.pipeline.Handle(ctx, bad))
		assert.Empty(t, f.ledger.rows)
	})

	t.Run("storage error fails the event", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.ledger.getErr = errors.New("connection refused")

		assert.Error(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))
		assert.Empty(t, f.partner.keys)
	})

	t.Run("save error fails the event", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.ledger.saveErr = errors.New("connection refused")

		assert.Error(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))
	})
}

func TestPipelineHandle_Redelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected document is not sent again", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.partner.status = 422
		ev := readyEvent(t, convA)

		require.NoError(t, f.pipeline.Handle(ctx, ev))
		require.NoError(t, f.pipeline.Handle(ctx, ev))

		assert.Len(t, f.partner.keys, 1)
		entry := f.ledger.rows[convA]
		assert.Equal(t, StatusSkip, entry.Status)
		assert.Equal(t, "422", *entry.Reason)
	})

	t.Run("delivered copy survives a redelivery after cancellation", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		ev := readyEvent(t, convA)
		require.NoError(t, f.pipeline.Handle(ctx, ev))

		cancelled := acceptedConvention(convA)
		cancelled.Status = convention.Cancelled{Justification: "duplicate"}
		f.conventions.rows[convA] = cancelled
		require.NoError(t, f.pipeline.Handle(ctx, ev))

		assert.Len(t, f.partner.keys, 1)
		entry := f.ledger.rows[convA]
		assert.Equal(t, StatusSuccess, entry.Status)
		assert.Equal(t, "200", *entry.Reason)
	})

	t.Run("later event for an ineligible convention keeps the success", func(t *testing.T) {
		conv := acceptedConvention(convA)
		conv.Status = convention.Cancelled{Justification: "duplicate"}
		f := newFixture(Config{}, conv)
		f.ledger.rows[convA] = Processed(convA, StatusSuccess, sweepNow.Add(-time.Hour), "200")

		require.NoError(t, f.pipeline.Handle(ctx, readyEvent(t, convA)))

		assert.Empty(t, f.partner.keys)
		assert.Equal(t, StatusSuccess, f.ledger.rows[convA].Status)
	})

	t.Run("failed attempt is left to the retry sweep", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.partner.status = 500
		ev := readyEvent(t, convA)

		require.NoError(t, f.pipeline.Handle(ctx, ev))
		require.NoError(t, f.pipeline.Handle(ctx, ev))

		assert.Len(t, f.partner.keys, 1)
		assert.Equal(t, StatusError, f.ledger.rows[convA].Status)
	})

	t.Run("newly validated convention is delivered again", func(t *testing.T) {
		conv := acceptedConvention(convA)
		conv.Status = convention.Validated{ValidatedAt: sweepNow.Add(-time.Minute)}
		f := newFixture(Config{}, conv)
		f.ledger.rows[convA] = attemptedFor(Processed(convA, StatusSuccess, sweepNow.Add(-time.Hour), "200"), convention.StatusAcceptedByValidator)

		require.NoError(t, f.pipeline.Handle(ctx, readyEventAt(t, convA, sweepNow.Add(-time.Minute))))

		assert.Len(t, f.partner.keys, 1)
		entry := f.ledger.rows[convA]
		assert.Equal(t, StatusSuccess, entry.Status)
		assert.Equal(t, convention.StatusValidated, entry.AttemptedFor)
		assert.True(t, sweepNow.Equal(*entry.ProcessDate))
	})

	t.Run("validation committed during an earlier attempt is still sent", func(t *testing.T) {
		conv := acceptedConvention(convA)
		conv.Status = convention.Validated{ValidatedAt: sweepNow.Add(-time.Hour)}
		f := newFixture(Config{}, conv)
		// the earlier attempt finished after the validation event occurred
		f.ledger.rows[convA] = attemptedFor(Processed(convA, StatusSuccess, sweepNow.Add(-time.Minute), "200"), convention.StatusAcceptedByValidator)

		require.NoError(t, f.pipeline.Handle(ctx, readyEventAt(t, convA, sweepNow.Add(-time.Hour))))

		assert.Len(t, f.partner.keys, 1)
		assert.Equal(t, convention.StatusValidated, f.ledger.rows[convA].AttemptedFor)
	})

	t.Run("older event for an already attempted status is acknowledged", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.ledger.rows[convA] = attemptedFor(Processed(convA, StatusSkip, sweepNow.Add(-time.Minute), "410"), convention.StatusAcceptedByValidator)

		require.NoError(t, f.pipeline.Handle(ctx, readyEventAt(t, convA, sweepNow.Add(-time.Hour))))

		assert.Empty(t, f.partner.keys)
		assert.Equal(t, "410", *f.ledger.rows[convA].Reason)
	})
}

func attemptedFor(e LedgerEntry, s convention.StatusName) LedgerEntry {
	e.AttemptedFor = s
	return e
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		code int
		want SyncStatus
	}{
		{200, StatusSuccess},
		{201, StatusSuccess},
		{204, StatusSuccess},
		{301, StatusError},
		{400, StatusError},
		{404, StatusError},
		{410, StatusSkip},
		{422, StatusSkip},
		{429, StatusError},
		{500, StatusError},
		{503, StatusError},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, classify(tc.code), "code %d", tc.code)
	}
}

func TestRetrySweep(t *testing.T) {
	ctx := context.Background()

	t.Run("retries pending and failed entries", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA), acceptedConvention(convB))
		earlier := sweepNow.Add(-time.Hour)
		f.ledger.rows[convA] = ToProcess(convA)
		f.ledger.rows[convB] = Processed(convB, StatusError, earlier, "500")

		res, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.Equal(t, SweepResult{Attempted: 2, Succeeded: 2}, res)
		assert.Equal(t, StatusSuccess, f.ledger.rows[convA].Status)
		assert.Equal(t, StatusSuccess, f.ledger.rows[convB].Status)
	})

	t.Run("unloadable convention moves behind the backlog", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.conventions.errs = map[string]error{convA: errors.New("row decode: bad status")}
		f.ledger.rows[convA] = ToProcess(convA)

		res, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.Equal(t, SweepResult{Attempted: 1, Failed: 1}, res)
		assert.Empty(t, f.partner.keys)
		broken := f.ledger.rows[convA]
		assert.Equal(t, StatusError, broken.Status)
		assert.Equal(t, "load convention: row decode: bad status", *broken.Reason)
		assert.True(t, sweepNow.Equal(*broken.ProcessDate))

		f.ledger.rows[convB] = ToProcess(convB)
		next, err := f.ledger.GetToProcessOrError(ctx, 1)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, convB, next[0].ConventionID)
	})

	t.Run("vanished convention is skipped", func(t *testing.T) {
		f := newFixture(Config{})
		f.ledger.rows[convA] = ToProcess(convA)

		res, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.Equal(t, SweepResult{Attempted: 1, Skipped: 1}, res)
		assert.Equal(t, StatusSkip, f.ledger.rows[convA].Status)
	})

	t.Run("another replica holds the lease", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.ledger.rows[convA] = ToProcess(convA)
		f.pipeline.WithLocker(busyLocker{})

		res, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.Zero(t, res.Attempted)
		assert.Equal(t, StatusToProcess, f.ledger.rows[convA].Status)
	})

	t.Run("timeout interrupts the batch and keeps attempted outcomes", func(t *testing.T) {
		f := newFixture(Config{SweepTimeout: 50 * time.Millisecond}, acceptedConvention(convA), acceptedConvention(convB))
		f.ledger.rows[convA] = ToProcess(convA)
		f.ledger.rows[convB] = ToProcess(convB)
		f.partner.block = true

		res, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.True(t, res.Interrupted)
		assert.Equal(t, 1, res.Attempted)
		assert.Equal(t, 1, res.Failed)
		first, second := f.ledger.rows[convA], f.ledger.rows[convB]
		assert.Equal(t, StatusError, first.Status)
		assert.Equal(t, reasonTimeout, *first.Reason)
		assert.Equal(t, StatusToProcess, second.Status)
	})

	t.Run("lease is released", func(t *testing.T) {
		f := newFixture(Config{})
		locker := &countingLocker{}
		f.pipeline.WithLocker(locker)

		_, err := f.pipeline.RetrySweep(ctx, 10)

		require.NoError(t, err)
		assert.Equal(t, 1, locker.acquired)
		assert.Equal(t, 1, locker.released)
	})
}

func TestForceRebroadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("validator forces a new attempt", func(t *testing.T) {
		f := newFixture(Config{}, acceptedConvention(convA))
		f.ledger.rows[convA] = Processed(convA, StatusSuccess, sweepNow.Add(-time.Hour), "200")
		f.partner.status = 500

		outcome, err := f.pipeline.ForceRebroadcast(ctx, convA, convention.RoleValidator)

		require.NoError(t, err)
		assert.Equal(t, StatusError, outcome.Status)
		assert.Equal(t, "500", outcome.Reason)
		assert.Equal(t, StatusError, f.ledger.rows[convA].Status)
		assert.Len(t, f.partner.keys, 1)
	})

	t.Run("refusals", func(t *testing.T) {
		draft := acceptedConvention(convB)
		draft.Status = convention.InReview{}
		f := newFixture(Config{}, acceptedConvention(convA), draft)

		_, err := f.pipeline.ForceRebroadcast(ctx, convA, convention.RoleCounsellor)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.pipeline.ForceRebroadcast(ctx, convA, convention.RoleBeneficiary)
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = f.pipeline.ForceRebroadcast(ctx, "4b1e0c9d-0000-4000-8000-000000000000", convention.RoleBackOffice)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.pipeline.ForceRebroadcast(ctx, convB, convention.RoleBackOffice)
		assert.ErrorIs(t, err, ErrIneligible)
		assert.Empty(t, f.partner.keys)
	})
}

func TestMarkHandled_Refusals(t *testing.T) {
	f := newFixture(Config{})

	assert.ErrorIs(t, f.pipeline.MarkHandled(context.Background(), convA, convention.RoleBeneficiary), ErrUnauthorized)
	assert.ErrorIs(t, f.pipeline.MarkHandled(context.Background(), "nope", convention.RoleValidator), ErrNotFound)
	assert.ErrorIs(t, f.pipeline.MarkHandled(context.Background(), convA, convention.RoleValidator), ErrNotFound)
}

type fakeConventions struct {
	rows map[string]convention.Convention
	errs map[string]error
}

func (f *fakeConventions) Get(_ context.Context, id string) (convention.Convention, error) {
	if err := f.errs[id]; err != nil {
		return convention.Convention{}, err
	}
	c, ok := f.rows[id]
	if !ok {
		return convention.Convention{}, convention.ErrNotFound
	}
	return c, nil
}

type fakeAgencies map[string]agency.Kind

func (f fakeAgencies) KindOf(_ context.Context, id string) (agency.Kind, error) {
	k, ok := f[id]
	if !ok {
		return "", agency.ErrNotFound
	}
	return k, nil
}

type fakePartner struct {
	mu     sync.Mutex
	status int
	body   []byte
	err    error
	block  bool
	keys   []string
}

func (f *fakePartner) Endpoint() string { return "https://partner.test/conventions" }

func (f *fakePartner) Send(ctx context.Context, _ []byte, key string) (PartnerResponse, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return PartnerResponse{}, ctx.Err()
	}
	if f.err != nil {
		return PartnerResponse{}, f.err
	}
	return PartnerResponse{HTTPStatus: f.status, Body: f.body}, nil
}

type memLedger struct {
	mu      sync.Mutex
	rows    map[string]LedgerEntry
	getErr  error
	saveErr error
}

func (m *memLedger) GetByID(_ context.Context, id string) (LedgerEntry, error) {
	if m.getErr != nil {
		return LedgerEntry{}, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return LedgerEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *memLedger) GetToProcessOrError(_ context.Context, limit int) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for _, e := range m.rows {
		if e.Status == StatusToProcess || e.Status == StatusError {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ProcessDate == nil) != (b.ProcessDate == nil) {
			return a.ProcessDate == nil
		}
		if a.ProcessDate != nil && !a.ProcessDate.Equal(*b.ProcessDate) {
			return a.ProcessDate.Before(*b.ProcessDate)
		}
		return a.ConventionID < b.ConventionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) Save(_ context.Context, e LedgerEntry) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.ConventionID] = e
	return nil
}

func (m *memLedger) EnsureToProcess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		m.rows[id] = ToProcess(id)
	}
	return nil
}

type memFeedback struct {
	mu   sync.Mutex
	rows map[string]Feedback
}

func (m *memFeedback) Save(_ context.Context, fb Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[fb.ConventionID] = fb
	return nil
}

func (m *memFeedback) GetLatest(_ context.Context, id string) (Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb, ok := m.rows[id]
	if !ok {
		return Feedback{}, ErrNotFound
	}
	return fb, nil
}

func (m *memFeedback) MarkHandled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fb, ok := m.rows[id]
	if !ok || fb.HandledByAgency || fb.SubscriberErrorFeedback == nil {
		return ErrNotFound
	}
	fb.HandledByAgency = true
	m.rows[id] = fb
	return nil
}

type busyLocker struct{}

func (busyLocker) TryAcquire(context.Context, string, time.Duration) (*lock.Lease, bool, error) {
	return nil, false, nil
}

func (busyLocker) Release(context.Context, *lock.Lease) error { return nil }

type countingLocker struct {
	acquired int
	released int
}

func (c *countingLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*lock.Lease, bool, error) {
	c.acquired++
	return &lock.Lease{Key: key, TTL: ttl}, true, nil
}

func (c *countingLocker) Release(context.Context, *lock.Lease) error {
	c.released++
	return nil
}
