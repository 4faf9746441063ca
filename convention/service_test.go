package convention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
)

const (
	convA = "7b0c2f55-0a8e-4a39-9d64-2f7e2d9c6a01"
	convB = "0d4f5c1a-93b2-4c59-8a7e-5b1d6e3f2a10"
)

func TestServiceCreate(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore()
	events := &recordingAppender{}
	svc := NewService(pool, repo, events).
		WithClock(func() time.Time { return t1 }).
		WithIDGenerator(func() string { return convA }).
		WithAgencies(fakeAgencies{"agency-1": true})

	conv, err := svc.Create(context.Background(), createParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID != convA || !pool.last().committed {
		t.Fatalf("expected committed creation, got %+v", conv)
	}
	if _, ok := repo.rows[convA]; !ok {
		t.Fatalf("convention not stored")
	}
	if len(events.appended) != 1 || events.appended[0].Topic != outbox.TopicConventionCreated {
		t.Fatalf("expected creation event, got %+v", events.appended)
	}
}

func TestServiceCreate_UnknownAgency(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, newMemStore(), &recordingAppender{}).WithAgencies(fakeAgencies{})

	_, err := svc.Create(context.Background(), createParams())
	if !errors.Is(err, ErrInvalidConvention) {
		t.Fatalf("expected invalid convention, got %v", err)
	}
	if len(pool.txs) != 0 {
		t.Fatalf("no transaction should be opened for an unknown agency")
	}
}

func TestServiceRequestTransition_CommitsStateAndEvents(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore(testConvention(ReadyToSign{}))
	events := &recordingAppender{}
	svc := NewService(pool, repo, events).WithClock(func() time.Time { return t1 })

	conv, err := svc.Sign(context.Background(), convA, RoleBeneficiary)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if conv.StatusName() != StatusPartiallySigned {
		t.Fatalf("expected PARTIALLY_SIGNED, got %s", conv.StatusName())
	}
	tx := pool.last()
	if !tx.committed {
		t.Fatalf("expected commit")
	}
	if repo.locked[convA] != 1 {
		t.Fatalf("expected the row to be read for update once, got %d", repo.locked[convA])
	}
	if repo.rows[convA].StatusName() != StatusPartiallySigned {
		t.Fatalf("stored status not updated")
	}
	if len(events.appended) != 1 || events.txs[0] != tx {
		t.Fatalf("events must be appended in the transition transaction")
	}
}

func TestServiceRequestTransition_IdempotentSignSkipsWrite(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore(testConvention(PartiallySigned{}, RoleBeneficiary))
	events := &recordingAppender{}
	svc := NewService(pool, repo, events)

	if _, err := svc.Sign(context.Background(), convA, RoleBeneficiary); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if repo.updates != 0 || len(events.appended) != 0 {
		t.Fatalf("re-signing must not write: updates=%d events=%d", repo.updates, len(events.appended))
	}
	if pool.last().committed || !pool.last().rolled {
		t.Fatalf("no-op transition should roll back")
	}
}

func TestServiceRequestTransition_RefusalRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore(testConvention(Draft{}))
	events := &recordingAppender{}
	svc := NewService(pool, repo, events)

	_, err := svc.RequestTransition(context.Background(), convA, TransitionRequest{Action: ActionValidate, ActorRole: RoleValidator})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if pool.last().committed || repo.updates != 0 || len(events.appended) != 0 {
		t.Fatalf("refused transition must leave no trace")
	}
}

func TestServiceRequestTransition_AppendFailureRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore(testConvention(ReadyToSign{}))
	svc := NewService(pool, repo, &recordingAppender{err: errors.New("disk full")})

	if _, err := svc.Sign(context.Background(), convA, RoleBeneficiary); err == nil {
		t.Fatalf("expected error")
	}
	if pool.last().committed {
		t.Fatalf("state must not commit without its events")
	}
}

func TestServiceRequestTransition_NotFound(t *testing.T) {
	svc := NewService(&fakePool{}, newMemStore(), &recordingAppender{})

	for _, id := range []string{convB, "not-a-uuid"} {
		_, err := svc.RequestTransition(context.Background(), id, TransitionRequest{Action: ActionSubmit, ActorRole: RoleBeneficiary})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected not found, got %v", id, err)
		}
	}
}

func TestServiceRequestTransition_TransferToUnknownAgency(t *testing.T) {
	repo := newMemStore(testConvention(InReview{}, RoleBeneficiary, RoleEstablishmentRepresentative))
	svc := NewService(&fakePool{}, repo, &recordingAppender{}).WithAgencies(fakeAgencies{"agency-1": true})

	_, err := svc.RequestTransition(context.Background(), convA, TransitionRequest{
		Action:         ActionTransferToAgency,
		ActorRole:      RoleCounsellor,
		Justification:  "wrong area",
		TargetAgencyID: "agency-404",
	})
	if !errors.Is(err, ErrInvalidTransferTarget) {
		t.Fatalf("expected invalid transfer target, got %v", err)
	}
}

func TestServiceRequestTransition_ConcurrentSignersSerialize(t *testing.T) {
	repo := newMemStore(testConvention(ReadyToSign{}))
	events := &recordingAppender{}
	svc := NewService(&fakePool{}, repo, events)

	var wg sync.WaitGroup
	for _, role := range []Role{RoleBeneficiary, RoleEstablishmentRepresentative} {
		wg.Add(1)
		go func(role Role) {
			defer wg.Done()
			if _, err := svc.Sign(context.Background(), convA, role); err != nil {
				t.Errorf("sign as %s: %v", role, err)
			}
		}(role)
	}
	wg.Wait()

	if got := repo.rows[convA].StatusName(); got != StatusInReview {
		t.Fatalf("both signatures should land, got %s", got)
	}
	if len(events.appended) != 2 {
		t.Fatalf("expected one event per signature, got %d", len(events.appended))
	}
}

func TestServiceRenew(t *testing.T) {
	pool := &fakePool{}
	repo := newMemStore(testConvention(AcceptedByValidator{ValidatedAt: t0}, RoleBeneficiary, RoleEstablishmentRepresentative))
	svc := NewService(pool, repo, &recordingAppender{}).WithIDGenerator(func() string { return convB })

	renewed, err := svc.Renew(context.Background(), convA, RenewParams{ActorRole: RoleBackOffice, DateStart: t1, DateEnd: t1.Add(72 * time.Hour)})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ID != convB || repo.rows[convB].RenewedFrom == nil {
		t.Fatalf("renewal not stored: %+v", renewed)
	}
	if repo.rows[convA].StatusName() != StatusAcceptedByValidator {
		t.Fatalf("source must keep its status")
	}
}

func TestServiceDeprecateObsolete(t *testing.T) {
	stale := testConvention(InReview{}, RoleBeneficiary, RoleEstablishmentRepresentative)
	accepted := testConvention(AcceptedByValidator{ValidatedAt: t0}, RoleBeneficiary, RoleEstablishmentRepresentative)
	accepted.ID = convB
	repo := newMemStore(stale, accepted)
	repo.obsolete = []string{convA, convB}
	svc := NewService(&fakePool{}, repo, &recordingAppender{}).WithClock(func() time.Time { return t1 })

	n, err := svc.DeprecateObsolete(context.Background(), 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one deprecation, got %d", n)
	}
	dep, ok := repo.rows[convA].Status.(Deprecated)
	if !ok || dep.Justification == "" {
		t.Fatalf("expected justified deprecation, got %#v", repo.rows[convA].Status)
	}
	if !repo.cutoff.Equal(t1.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected cutoff %s", repo.cutoff)
	}
	if repo.rows[convB].StatusName() != StatusAcceptedByValidator {
		t.Fatalf("accepted convention must not be deprecated")
	}
}

// memStore is an in-memory Store. GetForUpdate holds a per-row mutex until
// the owning transaction ends, mimicking SELECT ... FOR UPDATE.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]Convention
	rowLocks map[string]*sync.Mutex
	locked   map[string]int
	updates  int
	obsolete []string
	cutoff   time.Time
}

func newMemStore(convs ...Convention) *memStore {
	s := &memStore{rows: map[string]Convention{}, rowLocks: map[string]*sync.Mutex{}, locked: map[string]int{}}
	for _, c := range convs {
		s.rows[c.ID] = c
	}
	return s
}

func (s *memStore) Insert(_ context.Context, _ pgx.Tx, c Convention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.ID] = c.Clone()
	return nil
}

func (s *memStore) GetForUpdate(_ context.Context, tx pgx.Tx, id string) (Convention, error) {
	s.mu.Lock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	if ft, ok := tx.(*fakeTx); ok {
		ft.onEnd = append(ft.onEnd, l.Unlock)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[id]++
	c, ok := s.rows[id]
	if !ok {
		return Convention{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) Get(_ context.Context, _ pgx.Tx, id string) (Convention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return Convention{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) Update(_ context.Context, _ pgx.Tx, c Convention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.ID] = c.Clone()
	s.updates++
	return nil
}

func (s *memStore) ListObsolete(_ context.Context, _ pgx.Tx, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoff = cutoff
	if len(s.obsolete) > limit {
		return s.obsolete[:limit], nil
	}
	return s.obsolete, nil
}

type recordingAppender struct {
	mu       sync.Mutex
	err      error
	appended []outbox.Event
	txs      []pgx.Tx
}

func (r *recordingAppender) Append(_ context.Context, tx pgx.Tx, events ...outbox.Event) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for range events {
		r.txs = append(r.txs, tx)
	}
	r.appended = append(r.appended, events...)
	return nil
}

type fakeAgencies map[string]bool

func (f fakeAgencies) Exists(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) last() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
	onEnd     []func()
}

func (f *fakeTx) end() {
	for _, fn := range f.onEnd {
		fn()
	}
	f.onEnd = nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	f.end()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	f.end()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
