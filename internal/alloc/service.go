package alloc

import "context"

// Service defines the allocation-ledger operation surface. Every call takes
// the authenticated caller identity explicitly; administrative operations are
// gated on the identity the engine was constructed with. A failed call leaves
// no partial state behind.
type Service interface {
	// Control plane.
	Initialize(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (SystemState, error)
	UpdateParams(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (SystemState, error)
	EnterMaintenance(ctx context.Context, caller string) (SystemState, error)
	ExitMaintenance(ctx context.Context, caller string) (SystemState, error)
	Pause(ctx context.Context, caller string) (SystemState, error)
	Resume(ctx context.Context, caller string) (SystemState, error)
	System(ctx context.Context) (SystemState, error)

	// Actor directory.
	SetRole(ctx context.Context, caller, actor, role string) error
	SetBlacklisted(ctx context.Context, caller, actor string, blacklisted bool) error

	// Resource pool registry.
	RegisterResource(ctx context.Context, caller string, spec ResourceSpec) (ResourceType, error)
	GetResource(ctx context.Context, id int64) (ResourceType, error)
	ListResources(ctx context.Context) ([]ResourceType, error)
	UpdatePrice(ctx context.Context, caller string, id, newPrice int64) (ResourceType, error)
	SetLocked(ctx context.Context, caller string, id int64, locked bool) (ResourceType, error)
	PriceHistory(ctx context.Context, id int64) ([]int64, error)

	// Allocation requests.
	Submit(ctx context.Context, requester string, resourceID, amount int64, purpose string) (Request, error)
	GetRequest(ctx context.Context, id uint64) (Request, error)
	ListRequests(ctx context.Context, status RequestStatus, limit int) ([]Request, error)
	Approve(ctx context.Context, caller string, id uint64) (Request, error)
	Reject(ctx context.Context, caller string, id uint64) (Request, error)

	// Balance ledger.
	Balance(ctx context.Context, actor string, resourceID int64) (int64, error)
	Holdings(ctx context.Context, actor string) ([]Holding, error)
	Transfer(ctx context.Context, from, to string, resourceID, amount int64) error
	Return(ctx context.Context, actor string, resourceID, amount int64) (ResourceType, error)
}
