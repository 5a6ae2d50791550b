package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestCreateJob_DerivesFinalPayment(t *testing.T) {
	svc, _, funds := newTestService(t, map[string]int64{"client-1": 100})

	job, err := svc.CreateJob(context.Background(), CreateJobParams{
		CallerID:       "client-1",
		ProviderID:     "provider-1",
		TotalPayment:   100,
		InitialPayment: 30,
		DepositedValue: 30,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if job.ClientID != "client-1" || job.ProviderID != "provider-1" {
		t.Fatalf("unexpected parties: %+v", job)
	}
	if job.FinalPayment() != 70 {
		t.Fatalf("expected final payment 70, got %d", job.FinalPayment())
	}
	if job.InitialPaid || job.Completed || job.FinalPaid {
		t.Fatalf("expected all flags false, got %+v", job)
	}
	if funds.custody != 30 {
		t.Fatalf("expected 30 in custody, got %d", funds.custody)
	}
	if funds.balances["client-1"] != 70 {
		t.Fatalf("expected client balance 70, got %d", funds.balances["client-1"])
	}
}

func TestCreateJob_InvalidAmounts(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 100})

	cases := []struct {
		name   string
		params CreateJobParams
	}{
		{"deposit mismatch", CreateJobParams{CallerID: "client-1", ProviderID: "provider-1", TotalPayment: 100, InitialPayment: 30, DepositedValue: 20}},
		{"initial above total", CreateJobParams{CallerID: "client-1", ProviderID: "provider-1", TotalPayment: 100, InitialPayment: 120, DepositedValue: 120}},
		{"negative total", CreateJobParams{CallerID: "client-1", ProviderID: "provider-1", TotalPayment: -1, InitialPayment: 0, DepositedValue: 0}},
	}

	for _, tc := range cases {
		if _, err := svc.CreateJob(context.Background(), tc.params); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%s: expected ErrInvalidAmount, got %v", tc.name, err)
		}
	}
	if len(store.jobs) != 0 {
		t.Fatalf("expected no jobs stored, got %d", len(store.jobs))
	}
	if funds.balances["client-1"] != 100 || funds.custody != 0 {
		t.Fatalf("caller must not be charged on failure: %+v custody=%d", funds.balances, funds.custody)
	}
}

func TestCreateJob_DepositFailureChargesNothing(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 10})

	_, err := svc.CreateJob(context.Background(), CreateJobParams{
		CallerID:       "client-1",
		ProviderID:     "provider-1",
		TotalPayment:   100,
		InitialPayment: 30,
		DepositedValue: 30,
	})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if len(store.jobs) != 0 {
		t.Fatal("expected no job row after failed deposit")
	}
	if funds.balances["client-1"] != 10 {
		t.Fatalf("expected client balance unchanged, got %d", funds.balances["client-1"])
	}
}

func TestReleaseInitialPayment_MovesFundsOnce(t *testing.T) {
	svc, _, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	job, err := svc.ReleaseInitialPayment(context.Background(), "client-1", jobID)
	if err != nil {
		t.Fatalf("release initial: %v", err)
	}
	if !job.InitialPaid {
		t.Fatal("expected initial_paid true")
	}
	if funds.balances["provider-1"] != 30 || funds.custody != 0 {
		t.Fatalf("expected 30 with provider and empty custody, got provider=%d custody=%d", funds.balances["provider-1"], funds.custody)
	}

	if _, err := svc.ReleaseInitialPayment(context.Background(), "client-1", jobID); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	if funds.balances["provider-1"] != 30 {
		t.Fatalf("funds must move at most once, provider=%d", funds.balances["provider-1"])
	}
}

func TestReleaseFinalPayment_RequiresCompletion(t *testing.T) {
	svc, _, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.ReleaseFinalPayment(context.Background(), "client-1", jobID); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
	if funds.balances["provider-1"] != 0 {
		t.Fatalf("expected no payout, provider=%d", funds.balances["provider-1"])
	}
}

func TestRequestRefund_ForbiddenAfterCompletion(t *testing.T) {
	svc, store, _ := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.MarkJobComplete(context.Background(), "provider-1", jobID); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if _, err := svc.RequestRefund(context.Background(), "client-1", jobID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if job := store.jobs[jobID]; job.InitialPaid {
		t.Fatal("refund after completion must not change flags")
	}
}

func TestAuthorization_StrictlyEnforced(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.ReleaseInitialPayment(context.Background(), "provider-1", jobID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("provider releasing initial: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.MarkJobComplete(context.Background(), "client-1", jobID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client marking complete: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.RequestRefund(context.Background(), "stranger", jobID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger refunding: expected ErrUnauthorized, got %v", err)
	}

	job := store.jobs[jobID]
	if job.InitialPaid || job.Completed || job.FinalPaid {
		t.Fatalf("unauthorized calls must not change state: %+v", job)
	}
	if funds.custody != 30 {
		t.Fatalf("unauthorized calls must not move funds, custody=%d", funds.custody)
	}
}

func TestScenarioA_FullHappyPath(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.ReleaseInitialPayment(context.Background(), "client-1", jobID); err != nil {
		t.Fatalf("release initial: %v", err)
	}
	if funds.balances["provider-1"] != 30 {
		t.Fatalf("expected provider balance 30, got %d", funds.balances["provider-1"])
	}

	if _, err := svc.MarkJobComplete(context.Background(), "provider-1", jobID); err != nil {
		t.Fatalf("mark complete: %v", err)
	}

	job, err := svc.ReleaseFinalPayment(context.Background(), "client-1", jobID)
	if err != nil {
		t.Fatalf("release final: %v", err)
	}
	if !job.InitialPaid || !job.Completed || !job.FinalPaid {
		t.Fatalf("expected all flags true, got %+v", job)
	}
	if funds.balances["provider-1"] != 100 || funds.balances["client-1"] != 0 || funds.custody != 0 {
		t.Fatalf("unexpected final balances: %+v custody=%d", funds.balances, funds.custody)
	}

	wantEvents := []string{EventJobCreated, EventInitialPaymentReleased, EventJobCompleted, EventFinalPaymentReleased}
	got := store.eventTypes(jobID)
	if len(got) != len(wantEvents) {
		t.Fatalf("expected %d events, got %v", len(wantEvents), got)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Fatalf("event %d: expected %s got %s", i, wantEvents[i], got[i])
		}
	}
}

func TestScenarioB_RefundThenNoFinal(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	job, err := svc.RequestRefund(context.Background(), "client-1", jobID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if job.InitialPaid {
		t.Fatal("expected initial_paid false after refund")
	}
	if funds.balances["client-1"] != 100 || funds.custody != 0 {
		t.Fatalf("expected deposit returned, client=%d custody=%d", funds.balances["client-1"], funds.custody)
	}

	if _, err := svc.ReleaseFinalPayment(context.Background(), "client-1", jobID); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted after refund, got %v", err)
	}

	got := store.eventTypes(jobID)
	if len(got) != 2 || got[1] != EventRefundIssued {
		t.Fatalf("expected refund event second, got %v", got)
	}
}

func TestRequestRefund_RepeatFailsWithoutCustody(t *testing.T) {
	svc, store, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.RequestRefund(context.Background(), "client-1", jobID); err != nil {
		t.Fatalf("first refund: %v", err)
	}

	// The ledger no longer holds the deposit, so a second refund cannot mint
	// money: the custody debit fails and nothing changes.
	if _, err := svc.RequestRefund(context.Background(), "client-1", jobID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed on double refund, got %v", err)
	}
	if funds.balances["client-1"] != 100 {
		t.Fatalf("double refund must not pay twice, client=%d", funds.balances["client-1"])
	}
	if got := store.eventTypes(jobID); len(got) != 2 {
		t.Fatalf("expected no event for failed refund, got %v", got)
	}
}

func TestRequestRefund_AfterInitialReleaseFails(t *testing.T) {
	svc, _, funds := newTestService(t, map[string]int64{"client-1": 100, "provider-1": 0})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.ReleaseInitialPayment(context.Background(), "client-1", jobID); err != nil {
		t.Fatalf("release initial: %v", err)
	}
	if _, err := svc.RequestRefund(context.Background(), "client-1", jobID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed refunding released deposit, got %v", err)
	}
	if funds.balances["provider-1"] != 30 || funds.balances["client-1"] != 70 {
		t.Fatalf("balances must be unchanged: %+v", funds.balances)
	}
}

func TestUnknownJob_NotFoundEverywhere(t *testing.T) {
	svc, store, _ := newTestService(t, map[string]int64{"client-1": 100})

	ops := []func() error{
		func() error { _, err := svc.ReleaseInitialPayment(context.Background(), "client-1", 42); return err },
		func() error { _, err := svc.MarkJobComplete(context.Background(), "client-1", 42); return err },
		func() error { _, err := svc.ReleaseFinalPayment(context.Background(), "client-1", 42); return err },
		func() error { _, err := svc.RequestRefund(context.Background(), "client-1", 42); return err },
	}
	for i, op := range ops {
		if err := op(); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("op %d: expected ErrJobNotFound, got %v", i, err)
		}
	}
	if len(store.events) != 0 {
		t.Fatalf("expected no events, got %d", len(store.events))
	}
}

func TestGetJob_PartyOnly(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]int64{"client-1": 100})
	jobID := mustCreate(t, svc, 100, 30)

	if _, err := svc.GetJob(context.Background(), "provider-1", jobID); err != nil {
		t.Fatalf("provider reading own job: %v", err)
	}
	if _, err := svc.GetJob(context.Background(), "stranger", jobID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func mustCreate(t *testing.T, svc *Service, total, initial int64) int64 {
	t.Helper()
	job, err := svc.CreateJob(context.Background(), CreateJobParams{
		CallerID:       "client-1",
		ProviderID:     "provider-1",
		TotalPayment:   total,
		InitialPayment: initial,
		DepositedValue: initial,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job.ID
}

func newTestService(t *testing.T, balances map[string]int64) (*Service, *fakeStore, *fakeFunds) {
	t.Helper()
	store := newFakeStore()
	funds := &fakeFunds{balances: balances}
	return NewService(&fakePool{}, store, funds), store, funds
}

type storedEvent struct {
	jobID     int64
	eventType string
}

type fakeStore struct {
	jobs   map[int64]Job
	nextID int64
	events []storedEvent
	outbox []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[int64]Job), nextID: 1}
}

func (f *fakeStore) InsertJob(_ context.Context, _ pgx.Tx, params InsertJobParams) (Job, error) {
	job := Job{
		ID:             f.nextID,
		ClientID:       params.ClientID,
		ProviderID:     params.ProviderID,
		TotalPayment:   params.TotalPayment,
		InitialPayment: params.InitialPayment,
	}
	f.nextID++
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) GetJobForUpdate(_ context.Context, _ pgx.Tx, id int64) (Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) UpdateFlags(_ context.Context, _ pgx.Tx, id int64, initialPaid, completed, finalPaid bool) error {
	job, ok := f.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.InitialPaid = initialPaid
	job.Completed = completed
	job.FinalPaid = finalPaid
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, _ pgx.Tx, jobID int64, eventType, _ string, _ map[string]any) error {
	f.events = append(f.events, storedEvent{jobID: jobID, eventType: eventType})
	return nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.outbox = append(f.outbox, topic)
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) ListForParty(_ context.Context, userID string) ([]Job, error) {
	out := make([]Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		if RoleOf(userID, job) != PartyNone {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeStore) eventTypes(jobID int64) []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		if e.jobID == jobID {
			out = append(out, e.eventType)
		}
	}
	return out
}

// fakeFunds mimics the wallet: party balances plus a custody balance, with
// the same no-overdraft guarantee.
type fakeFunds struct {
	balances map[string]int64
	custody  int64
}

var errFakeInsufficient = errors.New("fake: insufficient funds")

func (f *fakeFunds) ToCustody(_ context.Context, _ pgx.Tx, userID string, amount int64) error {
	if f.balances[userID] < amount {
		return errFakeInsufficient
	}
	f.balances[userID] -= amount
	f.custody += amount
	return nil
}

func (f *fakeFunds) FromCustody(_ context.Context, _ pgx.Tx, userID string, amount int64) error {
	if f.custody < amount {
		return errFakeInsufficient
	}
	f.custody -= amount
	f.balances[userID] += amount
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
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
