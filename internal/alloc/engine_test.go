package alloc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"alloq.org/internal/access"
	"alloq.org/internal/clock"
)

const admin = "gov"

func newTestEngine(t *testing.T) (*InMemory, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1000)
	e := NewInMemory(admin, clk)
	if _, err := e.Initialize(context.Background(), admin, 1_000_000, "ops@alloq.org"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return e, clk
}

func registerDefault(t *testing.T, e *InMemory) ResourceType {
	t.Helper()
	rec, err := e.RegisterResource(context.Background(), admin, ResourceSpec{
		ID:            1,
		Name:          "compute",
		Supply:        100,
		UnitPrice:     10,
		MinAllocation: 1,
		MaxAllocation: 50,
		PriorityFloor: access.TierUser,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return rec
}

func TestInitializeOnlyOnce(t *testing.T) {
	e := NewInMemory(admin, clock.NewManual(0))
	ctx := context.Background()

	if _, err := e.Initialize(ctx, "intruder", 100, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.Initialize(ctx, admin, 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero cap, got %v", err)
	}
	if _, err := e.Initialize(ctx, admin, 100, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := e.Initialize(ctx, admin, 100, ""); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestSubmitRequiresInitialize(t *testing.T) {
	e := NewInMemory(admin, clock.NewManual(0))
	if _, err := e.Submit(context.Background(), "alice", 1, 10, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSubmitApproveFlow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	req, err := e.Submit(ctx, "alice", 1, 30, "batch training")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != StatusPending || req.Priority != access.TierUser {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.ExpiresAt != req.SubmittedAt+ExpiryWindow {
		t.Fatalf("expiry window mismatch: %d -> %d", req.SubmittedAt, req.ExpiresAt)
	}

	// Submission only validates availability; nothing is debited yet.
	rec, _ := e.GetResource(ctx, 1)
	if rec.Available != 100 {
		t.Fatalf("available after submit = %d, want 100", rec.Available)
	}

	approved, err := e.Approve(ctx, admin, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("status = %s", approved.Status)
	}
	rec, _ = e.GetResource(ctx, 1)
	if rec.Available != 70 {
		t.Fatalf("available after approve = %d, want 70", rec.Available)
	}
	bal, _ := e.Balance(ctx, "alice", 1)
	if bal != 30 {
		t.Fatalf("balance = %d, want 30", bal)
	}

	// Approving twice must fail and mutate nothing.
	if _, err := e.Approve(ctx, admin, req.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on double approval, got %v", err)
	}
	rec, _ = e.GetResource(ctx, 1)
	bal, _ = e.Balance(ctx, "alice", 1)
	if rec.Available != 70 || bal != 30 {
		t.Fatalf("double approval mutated state: available=%d balance=%d", rec.Available, bal)
	}
}

func TestSubmitOverMaxFailsWithoutRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	if _, err := e.Submit(ctx, "alice", 1, 60, ""); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	st, _ := e.System(ctx)
	if st.TotalRequests != 0 {
		t.Fatalf("counter advanced on failed submission: %d", st.TotalRequests)
	}
	if _, err := e.GetRequest(ctx, 1); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected no request record, got %v", err)
	}
}

func TestSubmitGuards(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	if _, err := e.Submit(ctx, "alice", 9, 10, ""); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("missing resource: got %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 1, 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 1, 2_000_000, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("over cap: got %v", err)
	}

	// Below min-allocation.
	if _, err := e.RegisterResource(ctx, admin, ResourceSpec{
		ID: 2, Name: "storage", Supply: 100, UnitPrice: 5,
		MinAllocation: 10, MaxAllocation: 50, PriorityFloor: access.TierUser,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 2, 5, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("below min: got %v", err)
	}

	// Above available quantity but within max.
	if _, err := e.RegisterResource(ctx, admin, ResourceSpec{
		ID: 3, Name: "bandwidth", Supply: 20, UnitPrice: 5,
		MinAllocation: 1, MaxAllocation: 50, PriorityFloor: access.TierUser,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 3, 30, ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over available: got %v", err)
	}
}

func TestSubmitRespectsPriorityFloor(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.RegisterResource(ctx, admin, ResourceSpec{
		ID: 1, Name: "premium-compute", Supply: 100, UnitPrice: 10,
		MinAllocation: 1, MaxAllocation: 50, PriorityFloor: access.TierBusiness,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := e.Submit(ctx, "alice", 1, 10, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("tier-1 actor must be refused, got %v", err)
	}

	if err := e.SetRole(ctx, admin, "alice", "business"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	req, err := e.Submit(ctx, "alice", 1, 10, "")
	if err != nil {
		t.Fatalf("submit after promotion: %v", err)
	}
	if req.Priority != access.TierBusiness {
		t.Fatalf("priority snapshot = %d, want %d", req.Priority, access.TierBusiness)
	}
}

func TestLockBlocksSubmission(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	if _, err := e.SetLocked(ctx, admin, 1, true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 1, 10, ""); !errors.Is(err, ErrResourceLocked) {
		t.Fatalf("expected ErrResourceLocked, got %v", err)
	}
	if _, err := e.SetLocked(ctx, admin, 1, false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 1, 10, ""); err != nil {
		t.Fatalf("submit after unlock: %v", err)
	}
}

func TestBlacklistedActorCannotSubmit(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	if err := e.SetBlacklisted(ctx, admin, "mallory", true); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if _, err := e.Submit(ctx, "mallory", 1, 10, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPausedAndMaintenanceBlockSubmission(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	if _, err := e.Pause(ctx, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.Submit(ctx, "alice", 1, 10, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("paused submit: got %v", err)
	}
	if _, err := e.Resume(ctx, admin); err != nil {
		t.Fatalf("resume: %v", err)
	}

	st, err := e.EnterMaintenance(ctx, admin)
	if err != nil {
		t.Fatalf("enter maintenance: %v", err)
	}
	if !st.Paused || !st.Maintenance {
		t.Fatalf("maintenance must force pause: %+v", st)
	}
	if _, err := e.Resume(ctx, admin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("resume during maintenance must fail, got %v", err)
	}
	st, err = e.ExitMaintenance(ctx, admin)
	if err != nil {
		t.Fatalf("exit maintenance: %v", err)
	}
	if st.Paused || st.Maintenance {
		t.Fatalf("exit must clear both flags: %+v", st)
	}
	if _, err := e.Submit(ctx, "alice", 1, 10, ""); err != nil {
		t.Fatalf("submit after exit: %v", err)
	}
}

func TestRejectLeavesPoolUntouched(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	req, err := e.Submit(ctx, "alice", 1, 30, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected, err := e.Reject(ctx, admin, req.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("status = %s", rejected.Status)
	}
	rec, _ := e.GetResource(ctx, 1)
	bal, _ := e.Balance(ctx, "alice", 1)
	if rec.Available != 100 || bal != 0 {
		t.Fatalf("reject mutated pool or balance: available=%d balance=%d", rec.Available, bal)
	}
	if _, err := e.Reject(ctx, admin, req.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("re-reject must fail, got %v", err)
	}
	if _, err := e.Approve(ctx, admin, req.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("approve after reject must fail, got %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	req, err := e.Submit(ctx, "alice", 1, 10, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	clk.Advance(ExpiryWindow) // exactly at the boundary, still approvable
	view, _ := e.GetRequest(ctx, req.ID)
	if view.Status != StatusPending {
		t.Fatalf("boundary status = %s, want PENDING", view.Status)
	}

	clk.Advance(1)
	view, _ = e.GetRequest(ctx, req.ID)
	if view.Status != StatusExpired {
		t.Fatalf("past-window status = %s, want EXPIRED", view.Status)
	}

	if _, err := e.Approve(ctx, admin, req.ID); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired on approve, got %v", err)
	}
	rec, _ := e.GetResource(ctx, 1)
	if rec.Available != 100 {
		t.Fatalf("expired approval mutated the pool: %d", rec.Available)
	}
	// The expired status is persisted once observed by a decision.
	view, _ = e.GetRequest(ctx, req.ID)
	if view.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", view.Status)
	}
}

func TestTransferMovesHeldUnits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	req, _ := e.Submit(ctx, "alice", 1, 40, "")
	if _, err := e.Approve(ctx, admin, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := e.Transfer(ctx, "alice", "bob", 1, 15); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	balA, _ := e.Balance(ctx, "alice", 1)
	balB, _ := e.Balance(ctx, "bob", 1)
	if balA != 25 || balB != 15 {
		t.Fatalf("balances after transfer: alice=%d bob=%d", balA, balB)
	}

	if err := e.Transfer(ctx, "alice", "bob", 1, 26); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-balance transfer: got %v", err)
	}
	if err := e.Transfer(ctx, "alice", "alice", 1, 5); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("self transfer: got %v", err)
	}

	if err := e.SetBlacklisted(ctx, admin, "bob", true); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if err := e.Transfer(ctx, "alice", "bob", 1, 5); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("ineligible recipient: got %v", err)
	}
	if err := e.Transfer(ctx, "bob", "alice", 1, 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ineligible sender: got %v", err)
	}

	if _, err := e.Pause(ctx, admin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.Transfer(ctx, "alice", "carol", 1, 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("paused transfer: got %v", err)
	}
}

func TestReturnCreditsThePool(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	req, _ := e.Submit(ctx, "alice", 1, 40, "")
	if _, err := e.Approve(ctx, admin, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rec, err := e.Return(ctx, "alice", 1, 15)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if rec.Available != 75 {
		t.Fatalf("available after return = %d, want 75", rec.Available)
	}
	bal, _ := e.Balance(ctx, "alice", 1)
	if bal != 25 {
		t.Fatalf("balance after return = %d, want 25", bal)
	}

	if _, err := e.Return(ctx, "alice", 1, 26); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-balance return: got %v", err)
	}
	if _, err := e.Return(ctx, "alice", 1, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero return: got %v", err)
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	actors := []string{"a1", "a2", "a3"}
	for _, actor := range actors {
		req, err := e.Submit(ctx, actor, 1, 20, "")
		if err != nil {
			t.Fatalf("submit %s: %v", actor, err)
		}
		if _, err := e.Approve(ctx, admin, req.ID); err != nil {
			t.Fatalf("approve %s: %v", actor, err)
		}
	}
	if err := e.Transfer(ctx, "a1", "a2", 1, 7); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := e.Return(ctx, "a3", 1, 11); err != nil {
		t.Fatalf("return: %v", err)
	}

	rec, _ := e.GetResource(ctx, 1)
	total := rec.Available
	for _, actor := range actors {
		bal, _ := e.Balance(ctx, actor, 1)
		if bal < 0 {
			t.Fatalf("negative balance for %s: %d", actor, bal)
		}
		total += bal
	}
	if total != rec.TotalSupply {
		t.Fatalf("conservation violated: available+held=%d supply=%d", total, rec.TotalSupply)
	}
	if rec.Available < 0 || rec.Available > rec.TotalSupply {
		t.Fatalf("availability out of bounds: %d", rec.Available)
	}
}

func TestPriceHistoryMostRecentFirst(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e) // price 10

	if _, err := e.UpdatePrice(ctx, admin, 1, 12); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if _, err := e.UpdatePrice(ctx, admin, 1, 15); err != nil {
		t.Fatalf("update price: %v", err)
	}

	hist, err := e.PriceHistory(ctx, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0] != 12 || hist[1] != 10 {
		t.Fatalf("history = %v, want [12 10]", hist)
	}

	for p := int64(20); p < 32; p++ {
		if _, err := e.UpdatePrice(ctx, admin, 1, p); err != nil {
			t.Fatalf("update price %d: %v", p, err)
		}
	}
	hist, _ = e.PriceHistory(ctx, 1)
	if len(hist) != PriceHistoryCap {
		t.Fatalf("history length = %d, want %d", len(hist), PriceHistoryCap)
	}
	if hist[0] != 30 {
		t.Fatalf("newest entry = %d, want 30", hist[0])
	}
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)
	if _, err := e.UpdatePrice(ctx, admin, 1, 12); err != nil {
		t.Fatalf("update price: %v", err)
	}

	rec, err := e.RegisterResource(ctx, admin, ResourceSpec{
		ID: 1, Name: "compute-v2", Supply: 200, UnitPrice: 8,
		MinAllocation: 2, MaxAllocation: 80, PriorityFloor: access.TierVerified,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if rec.Available != 200 || rec.Name != "compute-v2" || rec.Locked {
		t.Fatalf("overwrite incomplete: %+v", rec)
	}
	hist, _ := e.PriceHistory(ctx, 1)
	if len(hist) != 0 {
		t.Fatalf("history must reset on overwrite, got %v", hist)
	}
}

func TestRegisterValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	base := ResourceSpec{
		ID: 1, Name: "compute", Supply: 100, UnitPrice: 10,
		MinAllocation: 1, MaxAllocation: 50, PriorityFloor: access.TierUser,
	}

	spec := base
	if _, err := e.RegisterResource(ctx, "alice", spec); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin register: got %v", err)
	}
	spec = base
	spec.Supply = 0
	if _, err := e.RegisterResource(ctx, admin, spec); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero supply: got %v", err)
	}
	spec = base
	spec.UnitPrice = 2_000_000
	if _, err := e.RegisterResource(ctx, admin, spec); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("price over cap: got %v", err)
	}
	spec = base
	spec.PriorityFloor = 6
	if _, err := e.RegisterResource(ctx, admin, spec); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("floor out of range: got %v", err)
	}
	spec = base
	spec.MinAllocation = 60
	if _, err := e.RegisterResource(ctx, admin, spec); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("min above max: got %v", err)
	}
}

func TestUpdateParamsValidatesCap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.UpdateParams(ctx, "alice", 500, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin params: got %v", err)
	}
	if _, err := e.UpdateParams(ctx, admin, -1, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative cap: got %v", err)
	}
	st, err := e.UpdateParams(ctx, admin, 500, "oncall@alloq.org")
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if st.MaxOpAmount != 500 || st.EmergencyContact != "oncall@alloq.org" {
		t.Fatalf("params not applied: %+v", st)
	}
}

func TestListRequestsNewestFirstWithStatusFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	var last Request
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.Submit(ctx, "alice", 1, 5, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := e.Approve(ctx, admin, last.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	all, err := e.ListRequests(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 1 {
		t.Fatalf("unexpected ordering: %+v", all)
	}

	pending, _ := e.ListRequests(ctx, StatusPending, 10)
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	approved, _ := e.ListRequests(ctx, StatusApproved, 10)
	if len(approved) != 1 || approved[0].ID != 3 {
		t.Fatalf("approved filter broken: %+v", approved)
	}
}

func TestSubmitTruncatesPurposeAtRuneBoundary(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerDefault(t, e)

	// 100 three-byte runes = 300 bytes; a byte-index cut at 256 would land
	// mid-rune and leave invalid UTF-8.
	long := strings.Repeat("€", 100)
	req, err := e.Submit(ctx, "alice", 1, 5, long)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(req.Purpose) > MaxPurposeLen {
		t.Fatalf("purpose is %d bytes, cap is %d", len(req.Purpose), MaxPurposeLen)
	}
	if !utf8.ValidString(req.Purpose) {
		t.Fatalf("truncated purpose is not valid UTF-8: %q", req.Purpose)
	}
	if req.Purpose != long[:255] {
		t.Fatalf("expected cut at the last rune boundary, got %d bytes", len(req.Purpose))
	}

	short := "short purpose"
	req, err = e.Submit(ctx, "alice", 1, 5, short)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Purpose != short {
		t.Fatalf("purpose altered: %q", req.Purpose)
	}
}
