package alloc

import (
	"context"
	"sort"
	"strings"
	"sync"

	"alloq.org/internal/access"
	"alloq.org/internal/clock"
)

// InMemory implements Service with a single mutex. Operations execute one at
// a time and are all-or-nothing: every guard runs before the first mutation.
type InMemory struct {
	mu sync.Mutex

	admin     string
	clk       clock.Clock
	directory *access.Directory

	state     SystemState
	resources map[int64]*ResourceType
	history   map[int64][]int64
	requests  map[uint64]*Request
	holdings  map[string]map[int64]int64
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an engine. The administrator identity is fixed here and
// cannot be re-derived later.
func NewInMemory(admin string, clk clock.Clock) *InMemory {
	return &InMemory{
		admin:     strings.TrimSpace(admin),
		clk:       clk,
		directory: access.NewDirectory(),
		resources: make(map[int64]*ResourceType),
		history:   make(map[int64][]int64),
		requests:  make(map[uint64]*Request),
		holdings:  make(map[string]map[int64]int64),
	}
}

// Directory exposes the role/blacklist directory for read-side consumers.
func (e *InMemory) Directory() *access.Directory { return e.directory }

func (e *InMemory) isAdmin(caller string) bool {
	return e.admin != "" && caller == e.admin
}

func (e *InMemory) requireAdmin(caller string) error {
	if !e.isAdmin(caller) {
		return ErrUnauthorized
	}
	return nil
}

func (e *InMemory) requireInitialized() error {
	if !e.state.Initialized {
		return ErrNotInitialized
	}
	return nil
}

// withinCap checks amount > 0 and amount <= the global per-operation cap.
func (e *InMemory) withinCap(amount int64) bool {
	return amount > 0 && amount <= e.state.MaxOpAmount
}

// --- Control plane ---

func (e *InMemory) Initialize(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if e.state.Initialized {
		return SystemState{}, ErrAlreadyInitialized
	}
	if maxOpAmount <= 0 {
		return SystemState{}, ErrInvalidAmount
	}
	e.state = SystemState{
		Initialized:      true,
		MaxOpAmount:      maxOpAmount,
		EmergencyContact: strings.TrimSpace(emergencyContact),
	}
	return e.state, nil
}

func (e *InMemory) UpdateParams(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return SystemState{}, err
	}
	if maxOpAmount <= 0 {
		return SystemState{}, ErrInvalidAmount
	}
	e.state.MaxOpAmount = maxOpAmount
	e.state.EmergencyContact = strings.TrimSpace(emergencyContact)
	return e.state, nil
}

func (e *InMemory) EnterMaintenance(ctx context.Context, caller string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return SystemState{}, err
	}
	// Maintenance entry forces the pause flag as well.
	e.state.Maintenance = true
	e.state.Paused = true
	return e.state, nil
}

func (e *InMemory) ExitMaintenance(ctx context.Context, caller string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return SystemState{}, err
	}
	e.state.Maintenance = false
	e.state.Paused = false
	return e.state, nil
}

func (e *InMemory) Pause(ctx context.Context, caller string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return SystemState{}, err
	}
	e.state.Paused = true
	return e.state, nil
}

func (e *InMemory) Resume(ctx context.Context, caller string) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return SystemState{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return SystemState{}, err
	}
	if e.state.Maintenance {
		// Exit maintenance explicitly; resume alone must not lift it.
		return SystemState{}, ErrUnauthorized
	}
	e.state.Paused = false
	return e.state, nil
}

func (e *InMemory) System(ctx context.Context) (SystemState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// --- Actor directory ---

func (e *InMemory) SetRole(ctx context.Context, caller, actor, role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidDestination
	}
	e.directory.SetRole(actor, access.ParseRole(role))
	return nil
}

func (e *InMemory) SetBlacklisted(ctx context.Context, caller, actor string, blacklisted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidDestination
	}
	e.directory.SetBlacklisted(actor, blacklisted)
	return nil
}

// --- Resource pool registry ---

func (e *InMemory) RegisterResource(ctx context.Context, caller string, spec ResourceSpec) (ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return ResourceType{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return ResourceType{}, err
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" || len(name) > MaxNameLen {
		return ResourceType{}, ErrInvalidAmount
	}
	if spec.Supply <= 0 || spec.Supply > e.state.MaxOpAmount {
		return ResourceType{}, ErrInvalidAmount
	}
	if spec.UnitPrice <= 0 || spec.UnitPrice > e.state.MaxOpAmount {
		return ResourceType{}, ErrInvalidAmount
	}
	if spec.MinAllocation <= 0 || spec.MaxAllocation < spec.MinAllocation {
		return ResourceType{}, ErrInvalidAmount
	}
	if !spec.PriorityFloor.Valid() {
		return ResourceType{}, ErrInvalidPriority
	}

	// Re-registering an identifier is an idempotent upsert: the record and its
	// price history are overwritten wholesale.
	rec := &ResourceType{
		ID:              spec.ID,
		Name:            name,
		TotalSupply:     spec.Supply,
		Available:       spec.Supply,
		UnitPrice:       spec.UnitPrice,
		PriorityFloor:   spec.PriorityFloor,
		MinAllocation:   spec.MinAllocation,
		MaxAllocation:   spec.MaxAllocation,
		LastPriceUpdate: e.clk.Height(),
	}
	e.resources[spec.ID] = rec
	delete(e.history, spec.ID)
	return *rec, nil
}

func (e *InMemory) GetResource(ctx context.Context, id int64) (ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.resources[id]
	if !ok {
		return ResourceType{}, ErrResourceNotFound
	}
	return *rec, nil
}

func (e *InMemory) ListResources(ctx context.Context) ([]ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ResourceType, 0, len(e.resources))
	for _, rec := range e.resources {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *InMemory) UpdatePrice(ctx context.Context, caller string, id, newPrice int64) (ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return ResourceType{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return ResourceType{}, err
	}
	rec, ok := e.resources[id]
	if !ok {
		return ResourceType{}, ErrResourceNotFound
	}
	if newPrice <= 0 || newPrice > e.state.MaxOpAmount {
		return ResourceType{}, ErrInvalidAmount
	}
	e.history[id] = pushPrice(e.history[id], rec.UnitPrice)
	rec.UnitPrice = newPrice
	rec.LastPriceUpdate = e.clk.Height()
	return *rec, nil
}

func (e *InMemory) SetLocked(ctx context.Context, caller string, id int64, locked bool) (ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return ResourceType{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return ResourceType{}, err
	}
	rec, ok := e.resources[id]
	if !ok {
		return ResourceType{}, ErrResourceNotFound
	}
	rec.Locked = locked
	return *rec, nil
}

func (e *InMemory) PriceHistory(ctx context.Context, id int64) ([]int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.resources[id]; !ok {
		return nil, ErrResourceNotFound
	}
	hist := e.history[id]
	out := make([]int64, len(hist))
	copy(out, hist)
	return out, nil
}

// pushPrice prepends a price, evicting the oldest entry past the cap.
func pushPrice(hist []int64, price int64) []int64 {
	hist = append(hist, 0)
	copy(hist[1:], hist)
	hist[0] = price
	if len(hist) > PriceHistoryCap {
		hist = hist[:PriceHistoryCap]
	}
	return hist
}

// --- Allocation requests ---

func (e *InMemory) Submit(ctx context.Context, requester string, resourceID, amount int64, purpose string) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return Request{}, err
	}
	if e.state.Paused || e.state.Maintenance {
		return Request{}, ErrUnauthorized
	}
	requester = strings.TrimSpace(requester)
	if requester == "" || !e.directory.Eligible(requester) {
		return Request{}, ErrUnauthorized
	}
	rec, ok := e.resources[resourceID]
	if !ok {
		return Request{}, ErrResourceNotFound
	}
	if rec.Locked {
		return Request{}, ErrResourceLocked
	}
	if !e.withinCap(amount) || amount < rec.MinAllocation {
		return Request{}, ErrInvalidAmount
	}
	if amount > rec.MaxAllocation {
		return Request{}, ErrLimitExceeded
	}
	if amount > rec.Available {
		return Request{}, ErrInsufficientBalance
	}
	tier := e.directory.TierOf(requester)
	if tier < rec.PriorityFloor {
		return Request{}, ErrUnauthorized
	}
	purpose = TruncatePurpose(purpose)

	// The request counter is the sole identifier source; it only advances on a
	// successful submission, so identifiers stay dense.
	now := e.clk.Height()
	e.state.TotalRequests++
	req := &Request{
		ID:          e.state.TotalRequests,
		Requester:   requester,
		ResourceID:  resourceID,
		Amount:      amount,
		Status:      StatusPending,
		Priority:    tier,
		SubmittedAt: now,
		ExpiresAt:   now + ExpiryWindow,
		Purpose:     purpose,
	}
	e.requests[req.ID] = req
	return *req, nil
}

func (e *InMemory) GetRequest(ctx context.Context, id uint64) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req.View(e.clk.Height()), nil
}

func (e *InMemory) ListRequests(ctx context.Context, status RequestStatus, limit int) ([]Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	now := e.clk.Height()
	out := make([]Request, 0, limit)
	for id := e.state.TotalRequests; id >= 1; id-- {
		req, ok := e.requests[id]
		if !ok {
			continue
		}
		view := req.View(now)
		if status != "" && view.Status != status {
			continue
		}
		out = append(out, view)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (e *InMemory) Approve(ctx context.Context, caller string, id uint64) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return Request{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return Request{}, err
	}
	req, ok := e.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if req.Status != StatusPending {
		// Terminal states never transition again; double approval included.
		return Request{}, ErrUnauthorized
	}
	if req.ExpiredAt(e.clk.Height()) {
		req.Status = StatusExpired
		return Request{}, ErrRequestExpired
	}
	rec, ok := e.resources[req.ResourceID]
	if !ok {
		return Request{}, ErrResourceNotFound
	}
	// Re-validate against the live record; availability may have moved since
	// submission.
	if req.Amount > rec.Available {
		return Request{}, ErrInsufficientBalance
	}

	rec.Available -= req.Amount
	e.credit(req.Requester, req.ResourceID, req.Amount)
	req.Status = StatusApproved
	return *req, nil
}

func (e *InMemory) Reject(ctx context.Context, caller string, id uint64) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdmin(caller); err != nil {
		return Request{}, err
	}
	if err := e.requireInitialized(); err != nil {
		return Request{}, err
	}
	req, ok := e.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if req.Status != StatusPending {
		return Request{}, ErrUnauthorized
	}
	if req.ExpiredAt(e.clk.Height()) {
		req.Status = StatusExpired
		return Request{}, ErrRequestExpired
	}
	// The pool was never debited at submission time, so nothing is returned.
	req.Status = StatusRejected
	return *req, nil
}

// --- Balance ledger ---

func (e *InMemory) Balance(ctx context.Context, actor string, resourceID int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.resources[resourceID]; !ok {
		return 0, ErrResourceNotFound
	}
	return e.holdings[actor][resourceID], nil
}

func (e *InMemory) Holdings(ctx context.Context, actor string) ([]Holding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byResource := e.holdings[actor]
	out := make([]Holding, 0, len(byResource))
	for id, amount := range byResource {
		if amount == 0 {
			continue
		}
		out = append(out, Holding{Actor: actor, ResourceID: id, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (e *InMemory) Transfer(ctx context.Context, from, to string, resourceID, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if e.state.Paused {
		return ErrUnauthorized
	}
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || !e.directory.Eligible(from) {
		return ErrUnauthorized
	}
	if to == "" || to == from || !e.directory.Eligible(to) {
		return ErrInvalidDestination
	}
	rec, ok := e.resources[resourceID]
	if !ok {
		return ErrResourceNotFound
	}
	if rec.Locked {
		return ErrResourceLocked
	}
	if !e.withinCap(amount) {
		return ErrInvalidAmount
	}
	if e.holdings[from][resourceID] < amount {
		return ErrInsufficientBalance
	}

	e.holdings[from][resourceID] -= amount
	e.credit(to, resourceID, amount)
	return nil
}

func (e *InMemory) Return(ctx context.Context, actor string, resourceID, amount int64) (ResourceType, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireInitialized(); err != nil {
		return ResourceType{}, err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ResourceType{}, ErrUnauthorized
	}
	rec, ok := e.resources[resourceID]
	if !ok {
		return ResourceType{}, ErrResourceNotFound
	}
	if !e.withinCap(amount) {
		return ResourceType{}, ErrInvalidAmount
	}
	if e.holdings[actor][resourceID] < amount {
		return ResourceType{}, ErrInsufficientBalance
	}
	// Available may never exceed total supply; an over-credit here would mean
	// the per-type balance invariant was already broken elsewhere.
	if rec.Available+amount > rec.TotalSupply {
		return ResourceType{}, ErrInvalidAmount
	}

	e.holdings[actor][resourceID] -= amount
	rec.Available += amount
	return *rec, nil
}

func (e *InMemory) credit(actor string, resourceID int64, amount int64) {
	byResource, ok := e.holdings[actor]
	if !ok {
		byResource = make(map[int64]int64)
		e.holdings[actor] = byResource
	}
	byResource[resourceID] += amount
}
