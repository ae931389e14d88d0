package alloc

import (
	"errors"
	"unicode/utf8"

	"alloq.org/internal/access"
)

// ExpiryWindow is how many logical-clock units a pending request stays
// approvable after submission (144 blocks, one day at a 10-minute cadence).
const ExpiryWindow uint64 = 144

// PriceHistoryCap bounds the per-resource price history, most-recent-first.
const PriceHistoryCap = 10

// MaxNameLen bounds resource-type names.
const MaxNameLen = 64

// MaxPurposeLen bounds the free-text purpose attached to a request, in bytes.
const MaxPurposeLen = 256

// TruncatePurpose clamps a purpose string to MaxPurposeLen bytes without
// splitting a multi-byte rune; a rune that would straddle the cut is dropped.
func TruncatePurpose(s string) string {
	if len(s) <= MaxPurposeLen {
		return s
	}
	cut := MaxPurposeLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ResourceType is a named, priced, capacity-bounded pool of allocatable units.
type ResourceType struct {
	ID              int64       `json:"id"`
	Name            string      `json:"name"`
	TotalSupply     int64       `json:"total_supply"`
	Available       int64       `json:"available"`
	UnitPrice       int64       `json:"unit_price"`
	Locked          bool        `json:"locked"`
	PriorityFloor   access.Tier `json:"priority_floor"`
	MinAllocation   int64       `json:"min_allocation"`
	MaxAllocation   int64       `json:"max_allocation"`
	LastPriceUpdate uint64      `json:"last_price_update"` // logical height
}

// RequestStatus enumerates the allocation-request lifecycle.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

// Request is a pending claim against a resource type's available quantity.
// Priority is a snapshot of the requester's tier at submission time.
type Request struct {
	ID          uint64        `json:"id"`
	Requester   string        `json:"requester"`
	ResourceID  int64         `json:"resource_id"`
	Amount      int64         `json:"amount"`
	Status      RequestStatus `json:"status"`
	Priority    access.Tier   `json:"priority"`
	SubmittedAt uint64        `json:"submitted_at"`
	ExpiresAt   uint64        `json:"expires_at"`
	Purpose     string        `json:"purpose,omitempty"`
}

// ExpiredAt reports whether the request should be treated as expired at the
// given height. Expiry is lazy: a PENDING record past its window behaves as
// EXPIRED even if never explicitly transitioned.
func (r Request) ExpiredAt(height uint64) bool {
	return r.Status == StatusPending && height > r.ExpiresAt
}

// View returns the request with its status derived for the given height.
func (r Request) View(height uint64) Request {
	if r.ExpiredAt(height) {
		r.Status = StatusExpired
	}
	return r
}

// Holding is an actor's balance of allocated units for one resource type.
type Holding struct {
	Actor      string `json:"actor"`
	ResourceID int64  `json:"resource_id"`
	Amount     int64  `json:"amount"`
}

// SystemState is the control-plane singleton.
type SystemState struct {
	Initialized      bool   `json:"initialized"`
	TotalRequests    uint64 `json:"total_requests"`
	Paused           bool   `json:"paused"`
	Maintenance      bool   `json:"maintenance"`
	MaxOpAmount      int64  `json:"max_op_amount"`
	EmergencyContact string `json:"emergency_contact,omitempty"`
}

// ResourceSpec carries the parameters of a register operation.
type ResourceSpec struct {
	ID            int64
	Name          string
	Supply        int64
	UnitPrice     int64
	MinAllocation int64
	MaxAllocation int64
	PriorityFloor access.Tier
}

var (
	ErrUnauthorized        = errors.New("unauthorized access")
	ErrInvalidAmount       = errors.New("invalid resource amount")
	ErrInsufficientBalance = errors.New("insufficient resource balance")
	ErrResourceNotFound    = errors.New("resource type not found")
	ErrRequestNotFound     = errors.New("allocation request not found")
	ErrAlreadyInitialized  = errors.New("system already initialized")
	ErrNotInitialized      = errors.New("system not initialized")
	ErrInvalidDestination  = errors.New("invalid transfer destination")
	ErrLimitExceeded       = errors.New("resource allocation limit exceeded")
	ErrInvalidPriority     = errors.New("invalid priority level")
	ErrResourceLocked      = errors.New("resource type is locked")
	ErrRequestExpired      = errors.New("allocation request expired")
)
