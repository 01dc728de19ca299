package wager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/quorum"
	"github.com/atmx/wager-engine/internal/store"
	"github.com/atmx/wager-engine/internal/wager"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- fakes ---

type fakeOracle struct {
	mu         sync.Mutex
	date       time.Time
	dateErr    error
	exists     bool
	validErr   error
	verdict    model.Verdict
	adjErr     error
	adjudicate int
}

func (f *fakeOracle) ExtractDate(context.Context, string, time.Time) (time.Time, error) {
	return f.date, f.dateErr
}

func (f *fakeOracle) ValidateEventExists(context.Context, string, []model.GameSummary) (bool, error) {
	return f.exists, f.validErr
}

func (f *fakeOracle) Adjudicate(context.Context, string, []model.GameSummary) (model.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjudicate++
	return f.verdict, f.adjErr
}

type fakeSchedule struct {
	games []model.GameSummary
	err   error
	dates []time.Time
}

func (f *fakeSchedule) FetchSchedule(_ context.Context, date time.Time) ([]model.GameSummary, error) {
	f.dates = append(f.dates, date)
	return f.games, f.err
}

type escrowCall struct {
	wagerID  int64
	agree    []string
	disagree []string
	stake    decimal.Decimal
}

type distributeCall struct {
	wagerID  int64
	agreeWon bool
}

type fakeLedger struct {
	mu          sync.Mutex
	escrows     []escrowCall
	distributes []distributeCall
	escrowErr   error
	distErr     error
}

func (f *fakeLedger) Escrow(_ context.Context, id int64, agree, disagree []string, stake decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.escrowErr != nil {
		return "", f.escrowErr
	}
	f.escrows = append(f.escrows, escrowCall{id, agree, disagree, stake})
	return "0xescrow", nil
}

func (f *fakeLedger) Distribute(_ context.Context, id int64, agreeWon bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.distErr != nil {
		return "", f.distErr
	}
	f.distributes = append(f.distributes, distributeCall{id, agreeWon})
	return "0xdistribute", nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Type
}

func (r *recordingSink) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev.Type)
	return nil
}

// --- env ---

type testEnv struct {
	engine   *wager.Engine
	store    *store.MemoryStore
	oracle   *fakeOracle
	schedule *fakeSchedule
	ledger   *fakeLedger
	sink     *recordingSink
}

var gameDay = time.Date(2024, 10, 22, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, policy quorum.Policy) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		oracle: &fakeOracle{date: gameDay, exists: true, verdict: model.VerdictWon},
		schedule: &fakeSchedule{games: []model.GameSummary{
			{ID: 1, Date: "2024-10-22T23:30:00.000Z", VisitorName: "New York Knicks", HomeName: "Boston Celtics", Winner: "Boston Celtics"},
		}},
		ledger: &fakeLedger{},
		sink:   &recordingSink{},
	}
	env.engine = wager.NewEngine(wager.Deps{
		Store:      env.store,
		Oracle:     env.oracle,
		Schedule:   env.schedule,
		Settlement: env.ledger,
		Events:     env.sink,
	}, wager.Config{Quorum: policy})
	return env
}

// seedWager proposes a wager through the engine.
func seedWager(t *testing.T, env *testEnv) *model.Wager {
	t.Helper()
	w, err := env.engine.Propose(context.Background(), "group-1", "alice", "Celtics beat the Knicks 10")
	if err != nil {
		t.Fatalf("failed to seed wager: %v", err)
	}
	return w
}

func vote(t *testing.T, env *testEnv, id int64, who string, side model.Side) *wager.VoteResult {
	t.Helper()
	res, err := env.engine.Vote(context.Background(), id, who, side, nil)
	if err != nil {
		t.Fatalf("vote %s %s: %v", who, side, err)
	}
	return res
}

// --- Propose ---

func TestPropose_CreatesPendingWager(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		w, err := env.engine.Propose(ctx, "group-1", "alice", "Celtics beat the Knicks 12.5")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w.ID <= last {
			t.Errorf("expected id > %d, got %d", last, w.ID)
		}
		last = w.ID

		if w.Status != model.StatusPending {
			t.Errorf("expected pending, got %s", w.Status)
		}
		if !w.Stake.Equal(d("12.5")) {
			t.Errorf("expected stake=12.5, got %s", w.Stake)
		}
		if w.Prompt != "Celtics beat the Knicks" {
			t.Errorf("unexpected prompt %q", w.Prompt)
		}
		if w.ScheduledFor == nil || !w.ScheduledFor.Equal(gameDay) {
			t.Errorf("expected scheduled_for=%s, got %v", gameDay, w.ScheduledFor)
		}
	}

	if len(env.schedule.dates) != 3 || !env.schedule.dates[0].Equal(gameDay) {
		t.Errorf("expected schedule fetched for the extracted date, got %v", env.schedule.dates)
	}
	if len(env.sink.got) != 3 || env.sink.got[0] != events.TypeProposed {
		t.Errorf("expected 3 proposed events, got %v", env.sink.got)
	}
}

func TestPropose_InvalidInput(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	for _, text := range []string{"", "10", "Celtics win", "Celtics win -3"} {
		_, err := env.engine.Propose(context.Background(), "g", "alice", text)
		if !errors.Is(err, wager.ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", text, err)
		}
	}
	assertStoreSize(t, env, 0)
}

func TestPropose_RejectedEventCreatesNothing(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	env.oracle.exists = false

	_, err := env.engine.Propose(context.Background(), "g", "alice", "Lakers beat the Yankees 10")
	if !errors.Is(err, wager.ErrEventRejected) {
		t.Errorf("expected ErrEventRejected, got %v", err)
	}
	assertStoreSize(t, env, 0)
}

func TestPropose_OracleFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
	}{
		{"date", func(env *testEnv) { env.oracle.dateErr = errors.New("timeout") }},
		{"schedule", func(env *testEnv) { env.schedule.err = errors.New("429") }},
		{"validate", func(env *testEnv) { env.oracle.validErr = errors.New("500") }},
	}
	for _, tt := range tests {
		env := newTestEnv(t, quorum.PolicyManual)
		tt.setup(env)

		_, err := env.engine.Propose(context.Background(), "g", "alice", "Celtics win 10")
		if !errors.Is(err, wager.ErrOracleFailure) {
			t.Errorf("%s: expected ErrOracleFailure, got %v", tt.name, err)
		}
		assertStoreSize(t, env, 0)
	}
}

func assertStoreSize(t *testing.T, env *testEnv, want int) {
	t.Helper()
	all, _ := env.store.ListWagers(context.Background(), "")
	if len(all) != want {
		t.Errorf("expected %d wagers in store, got %d", want, len(all))
	}
}

// --- Vote ---

func TestVote_ParticipantOnExactlyOneSide(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)

	sides := []model.Side{model.SideAgree, model.SideDisagree, model.SideDisagree, model.SideAgree}
	for _, side := range sides {
		res := vote(t, env, w.ID, "bob", side)

		agree := res.Wager.Participants(model.SideAgree)
		disagree := res.Wager.Participants(model.SideDisagree)
		onAgree := len(agree) == 1 && agree[0] == "bob"
		onDisagree := len(disagree) == 1 && disagree[0] == "bob"
		if onAgree == onDisagree {
			t.Fatalf("after %s: expected bob on exactly one side, agree=%v disagree=%v", side, agree, disagree)
		}
		if (side == model.SideAgree) != onAgree {
			t.Errorf("expected bob on %s", side)
		}
	}
}

func TestVote_TallyMatchesSets(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)

	steps := []struct {
		who        string
		side       model.Side
		agree, dis int
	}{
		{"a", model.SideAgree, 1, 0},
		{"b", model.SideAgree, 2, 0},
		{"c", model.SideDisagree, 2, 1},
		{"a", model.SideDisagree, 1, 2},
		{"a", model.SideDisagree, 1, 2},
	}
	for _, s := range steps {
		res := vote(t, env, w.ID, s.who, s.side)
		if res.Tally.Agree != s.agree || res.Tally.Disagree != s.dis {
			t.Errorf("after %s %s: expected %d/%d, got %d/%d", s.who, s.side, s.agree, s.dis, res.Tally.Agree, res.Tally.Disagree)
		}
		stored, _ := env.store.GetWager(context.Background(), w.ID)
		if stored.Tally() != res.Tally {
			t.Errorf("reported tally %+v differs from stored %+v", res.Tally, stored.Tally())
		}
	}
}

func TestVote_NotFound(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	_, err := env.engine.Vote(context.Background(), 99, "bob", model.SideAgree, nil)
	if !errors.Is(err, wager.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVote_ClosedAfterPlaced(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	vote(t, env, w.ID, "a", model.SideAgree)

	if _, err := env.engine.Finalize(context.Background(), w.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, err := env.engine.Vote(context.Background(), w.ID, "b", model.SideDisagree, nil)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if len(stored.Votes) != 1 {
		t.Errorf("expected frozen tally, got votes %v", stored.Votes)
	}
}

func TestVote_InvalidSide(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	if _, err := env.engine.Vote(context.Background(), w.ID, "bob", model.Side("maybe"), nil); !errors.Is(err, wager.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// --- Finalize ---

func TestFinalize_AgreeMajority(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	for _, p := range []string{"a", "b", "c"} {
		vote(t, env, w.ID, p, model.SideAgree)
	}
	vote(t, env, w.ID, "d", model.SideDisagree)

	res, err := env.engine.Finalize(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Agreed {
		t.Error("expected agree majority with 3/1")
	}
	if res.Wager.Status != model.StatusPlaced || res.Wager.EscrowTx != "0xescrow" {
		t.Errorf("expected placed with tx, got %s %q", res.Wager.Status, res.Wager.EscrowTx)
	}

	if len(env.ledger.escrows) != 1 {
		t.Fatalf("expected 1 escrow call, got %d", len(env.ledger.escrows))
	}
	call := env.ledger.escrows[0]
	if call.wagerID != w.ID || len(call.agree) != 3 || len(call.disagree) != 1 || !call.stake.Equal(d("10")) {
		t.Errorf("unexpected escrow call: %+v", call)
	}

	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Status != model.StatusPlaced {
		t.Errorf("expected stored status placed, got %s", stored.Status)
	}
}

func TestFinalize_TieFavorsDisagree(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	vote(t, env, w.ID, "a", model.SideAgree)
	vote(t, env, w.ID, "b", model.SideDisagree)

	res, err := env.engine.Finalize(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Agreed {
		t.Error("expected tie to favor disagree")
	}
	if res.Wager.Status != model.StatusPlaced {
		t.Errorf("expected placed, got %s", res.Wager.Status)
	}
}

func TestFinalize_LedgerFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	env.ledger.escrowErr = errors.New("receipt timeout")

	_, err := env.engine.Finalize(context.Background(), w.ID)
	if !errors.Is(err, wager.ErrSettlementFailure) {
		t.Errorf("expected ErrSettlementFailure, got %v", err)
	}
	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Status != model.StatusPending || stored.EscrowTx != "" {
		t.Errorf("expected untouched pending wager, got %s %q", stored.Status, stored.EscrowTx)
	}

	// Operator retry succeeds once the ledger recovers.
	env.ledger.escrowErr = nil
	if _, err := env.engine.Finalize(context.Background(), w.ID); err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestFinalize_NeverDoubleEscrows(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)
	env.engine.Finalize(context.Background(), w.ID)

	_, err := env.engine.Finalize(context.Background(), w.ID)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if len(env.ledger.escrows) != 1 {
		t.Errorf("expected exactly 1 escrow, got %d", len(env.ledger.escrows))
	}
}

func TestFinalize_NotFound(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	if _, err := env.engine.Finalize(context.Background(), 5); !errors.Is(err, wager.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Quorum ---

func TestVote_AutoFinalizeWhenAllMembersVoted(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyAll)
	w := seedWager(t, env)
	members := []string{"a", "b", "c"}
	ctx := context.Background()

	res, _ := env.engine.Vote(ctx, w.ID, "a", model.SideAgree, members)
	if res.Finalized != nil {
		t.Fatal("finalized too early")
	}
	env.engine.Vote(ctx, w.ID, "b", model.SideAgree, members)
	res, err := env.engine.Vote(ctx, w.ID, "c", model.SideDisagree, members)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Finalized == nil || !res.Finalized.Agreed {
		t.Fatalf("expected auto-finalize with agree majority, got %+v", res)
	}
	if res.Wager.Status != model.StatusPlaced {
		t.Errorf("expected placed, got %s", res.Wager.Status)
	}
}

func TestVote_AutoFinalizeFailureKeepsVote(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyMajority)
	w := seedWager(t, env)
	env.ledger.escrowErr = errors.New("rpc down")

	res, err := env.engine.Vote(context.Background(), w.ID, "a", model.SideAgree, []string{"a"})
	if err != nil {
		t.Fatalf("vote must succeed, got %v", err)
	}
	if !errors.Is(res.FinalizeErr, wager.ErrSettlementFailure) {
		t.Errorf("expected FinalizeErr settlement failure, got %v", res.FinalizeErr)
	}
	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Status != model.StatusPending || stored.Votes["a"] != model.SideAgree {
		t.Errorf("expected pending wager with vote, got %+v", stored)
	}
}

// --- Resolve ---

func placedWager(t *testing.T, env *testEnv) *model.Wager {
	t.Helper()
	w := seedWager(t, env)
	vote(t, env, w.ID, "a", model.SideAgree)
	vote(t, env, w.ID, "b", model.SideDisagree)
	if _, err := env.engine.Finalize(context.Background(), w.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return w
}

func TestResolve_Won(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.oracle.verdict = model.VerdictWon

	got, err := env.engine.Resolve(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.StatusResolved || got.Outcome != model.OutcomeWon {
		t.Errorf("expected resolved/won, got %s/%s", got.Status, got.Outcome)
	}
	if len(env.ledger.distributes) != 1 || !env.ledger.distributes[0].agreeWon {
		t.Errorf("expected distribute(agreeWon=true), got %+v", env.ledger.distributes)
	}
	if got.DistributeTx != "0xdistribute" {
		t.Errorf("expected distribute tx recorded, got %q", got.DistributeTx)
	}
	last := env.schedule.dates[len(env.schedule.dates)-1]
	if !last.Equal(gameDay) {
		t.Errorf("expected schedule fetched for scheduled_for, got %s", last)
	}
}

func TestResolve_Lost(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.oracle.verdict = model.VerdictLost

	got, err := env.engine.Resolve(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Outcome != model.OutcomeLost {
		t.Errorf("expected lost, got %s", got.Outcome)
	}
	if len(env.ledger.distributes) != 1 || env.ledger.distributes[0].agreeWon {
		t.Errorf("expected distribute(agreeWon=false), got %+v", env.ledger.distributes)
	}
}

func TestResolve_UndeterminedLeavesStatus(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.oracle.verdict = model.VerdictUndetermined

	_, err := env.engine.Resolve(context.Background(), w.ID)
	if !errors.Is(err, wager.ErrUndetermined) {
		t.Errorf("expected ErrUndetermined, got %v", err)
	}
	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Status != model.StatusPlaced || stored.Outcome != "" {
		t.Errorf("expected placed without outcome, got %s %q", stored.Status, stored.Outcome)
	}
	if len(env.ledger.distributes) != 0 {
		t.Errorf("expected no distribute, got %d", len(env.ledger.distributes))
	}
}

func TestResolve_PendingSkipsDistribute(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)

	got, err := env.engine.Resolve(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.StatusResolved {
		t.Errorf("expected resolved, got %s", got.Status)
	}
	if len(env.ledger.distributes) != 0 {
		t.Errorf("expected no distribute for a never-escrowed wager, got %d", len(env.ledger.distributes))
	}
}

func TestResolve_DistributeFailureLeavesPlaced(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.ledger.distErr = errors.New("reverted")

	_, err := env.engine.Resolve(context.Background(), w.ID)
	if !errors.Is(err, wager.ErrSettlementFailure) {
		t.Errorf("expected ErrSettlementFailure, got %v", err)
	}
	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Status != model.StatusPlaced {
		t.Errorf("expected placed, got %s", stored.Status)
	}
}

func TestResolve_OracleFailure(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.oracle.adjErr = errors.New("llm down")

	if _, err := env.engine.Resolve(context.Background(), w.ID); !errors.Is(err, wager.ErrOracleFailure) {
		t.Errorf("expected ErrOracleFailure, got %v", err)
	}
}

func TestResolve_Twice(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.engine.Resolve(context.Background(), w.ID)

	_, err := env.engine.Resolve(context.Background(), w.ID)
	if !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if len(env.ledger.distributes) != 1 {
		t.Errorf("expected exactly 1 distribute, got %d", len(env.ledger.distributes))
	}
}

func TestResolve_NotFound(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	if _, err := env.engine.Resolve(context.Background(), 3); !errors.Is(err, wager.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- ListPending ---

func TestListPending(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	first := seedWager(t, env)
	second := seedWager(t, env)
	env.engine.Finalize(context.Background(), first.ID)

	pending, err := env.engine.ListPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("expected only wager %d pending, got %+v", second.ID, pending)
	}
}

func TestEvents_Lifecycle(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := placedWager(t, env)
	env.engine.Resolve(context.Background(), w.ID)

	want := []events.Type{events.TypeProposed, events.TypeVoted, events.TypeVoted, events.TypePlaced, events.TypeResolved}
	if len(env.sink.got) != len(want) {
		t.Fatalf("expected %v, got %v", want, env.sink.got)
	}
	for i := range want {
		if env.sink.got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], env.sink.got[i])
		}
	}
}

func TestVote_ConcurrentSameWager(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	w := seedWager(t, env)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := model.SideAgree
			if i%2 == 1 {
				side = model.SideDisagree
			}
			who := string(rune('a' + i%26))
			if _, err := env.engine.Vote(context.Background(), w.ID, who, side, nil); err != nil {
				t.Errorf("vote: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, _ := env.store.GetWager(context.Background(), w.ID)
	if stored.Tally().Total() != 26 {
		t.Errorf("expected 26 distinct voters, got %d", stored.Tally().Total())
	}
}

// flakyStore fails the next failUpdates calls to UpdateWager.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyStore) UpdateWager(ctx context.Context, w *model.Wager) error {
	f.mu.Lock()
	if f.failUpdates > 0 {
		f.failUpdates--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateWager(ctx, w)
}

func newFlakyEngine(env *testEnv) (*wager.Engine, *flakyStore) {
	flaky := &flakyStore{MemoryStore: env.store}
	engine := wager.NewEngine(wager.Deps{
		Store:      flaky,
		Oracle:     env.oracle,
		Schedule:   env.schedule,
		Settlement: env.ledger,
	}, wager.Config{})
	return engine, flaky
}

func TestFinalize_RetryAfterSaveFailureDoesNotEscrowTwice(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	engine, flaky := newFlakyEngine(env)
	ctx := context.Background()

	w, err := engine.Propose(ctx, "group-1", "alice", "Celtics beat the Knicks 10")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := engine.Vote(ctx, w.ID, "alice", model.SideAgree, nil); err != nil {
		t.Fatalf("vote: %v", err)
	}

	flaky.failUpdates = 1
	if _, err := engine.Finalize(ctx, w.ID); !errors.Is(err, wager.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if len(env.ledger.escrows) != 1 {
		t.Fatalf("expected 1 escrow, got %d", len(env.ledger.escrows))
	}

	// Votes are closed once the stake is on-ledger.
	if _, err := engine.Vote(ctx, w.ID, "bob", model.SideDisagree, nil); !errors.Is(err, wager.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for vote after escrow, got %v", err)
	}

	res, err := engine.Finalize(ctx, w.ID)
	if err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if len(env.ledger.escrows) != 1 {
		t.Errorf("expected escrow not repeated, got %d calls", len(env.ledger.escrows))
	}
	if res.Wager.EscrowTx != "0xescrow" {
		t.Errorf("expected recorded escrow tx, got %q", res.Wager.EscrowTx)
	}
	stored, _ := env.store.GetWager(ctx, w.ID)
	if stored.Status != model.StatusPlaced || stored.EscrowTx != "0xescrow" {
		t.Errorf("expected placed with escrow tx, got %s %q", stored.Status, stored.EscrowTx)
	}
}

func TestResolve_RetryAfterSaveFailureDoesNotPayTwice(t *testing.T) {
	env := newTestEnv(t, quorum.PolicyManual)
	engine, flaky := newFlakyEngine(env)
	ctx := context.Background()

	w, _ := engine.Propose(ctx, "group-1", "alice", "Celtics beat the Knicks 10")
	if _, err := engine.Finalize(ctx, w.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	flaky.failUpdates = 1
	if _, err := engine.Resolve(ctx, w.ID); !errors.Is(err, wager.ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if len(env.ledger.distributes) != 1 {
		t.Fatalf("expected 1 distribute, got %d", len(env.ledger.distributes))
	}

	// The payout already went out as won; a changed verdict must not matter.
	env.oracle.verdict = model.VerdictLost
	resolved, err := engine.Resolve(ctx, w.ID)
	if err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
	if len(env.ledger.distributes) != 1 {
		t.Errorf("expected distribute not repeated, got %d calls", len(env.ledger.distributes))
	}
	if resolved.Outcome != model.OutcomeWon || resolved.DistributeTx != "0xdistribute" {
		t.Errorf("expected won with recorded tx, got %s %q", resolved.Outcome, resolved.DistributeTx)
	}
	if env.oracle.adjudicate != 1 {
		t.Errorf("expected a single adjudication, got %d", env.oracle.adjudicate)
	}
}
