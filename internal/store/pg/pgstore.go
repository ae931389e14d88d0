package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"alloq.org/internal/access"
	"alloq.org/internal/alloc"
	"alloq.org/internal/clock"
)

// Store implements alloc.Service on Postgres. Mutating operations run in
// serializable transactions so every guard sees the state it will mutate.
type Store struct {
	db    *sql.DB
	admin string
	clk   clock.Clock
}

var _ alloc.Service = (*Store)(nil)

func Open(dsn, admin string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, admin, clk), nil
}

// New wraps an existing pool; used by tests.
func New(db *sql.DB, admin string, clk clock.Clock) *Store {
	return &Store{db: db, admin: strings.TrimSpace(admin), clk: clk}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) requireAdmin(caller string) error {
	if s.admin == "" || caller != s.admin {
		return alloc.ErrUnauthorized
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q querier) (alloc.SystemState, error) {
	var st alloc.SystemState
	err := q.QueryRowContext(ctx, `
		select initialized, total_requests, paused, maintenance, max_op_amount, coalesce(emergency_contact,'')
		from system_state where id=1
	`).Scan(&st.Initialized, &st.TotalRequests, &st.Paused, &st.Maintenance, &st.MaxOpAmount, &st.EmergencyContact)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.SystemState{}, nil
	}
	if err != nil {
		return alloc.SystemState{}, err
	}
	return st, nil
}

func saveState(ctx context.Context, tx *sql.Tx, st alloc.SystemState) error {
	_, err := tx.ExecContext(ctx, `
		insert into system_state(id, initialized, total_requests, paused, maintenance, max_op_amount, emergency_contact)
		values (1,$1,$2,$3,$4,$5,$6)
		on conflict (id) do update set
			initialized=excluded.initialized,
			total_requests=excluded.total_requests,
			paused=excluded.paused,
			maintenance=excluded.maintenance,
			max_op_amount=excluded.max_op_amount,
			emergency_contact=excluded.emergency_contact
	`, st.Initialized, st.TotalRequests, st.Paused, st.Maintenance, st.MaxOpAmount, st.EmergencyContact)
	return err
}

// tierOf resolves the actor's tier and eligibility from the actors table.
// Unknown actors default to the base tier and are eligible.
func tierOf(ctx context.Context, q querier, actor string) (access.Tier, bool, error) {
	var role string
	var blacklisted bool
	err := q.QueryRowContext(ctx, `select role, blacklisted from actors where id=$1`, actor).
		Scan(&role, &blacklisted)
	if errors.Is(err, sql.ErrNoRows) {
		return access.RoleUser.Tier(), true, nil
	}
	if err != nil {
		return 0, false, err
	}
	return access.ParseRole(role).Tier(), !blacklisted, nil
}

func scanResource(row *sql.Row) (alloc.ResourceType, error) {
	var rec alloc.ResourceType
	var floor int
	err := row.Scan(&rec.ID, &rec.Name, &rec.TotalSupply, &rec.Available, &rec.UnitPrice,
		&rec.Locked, &floor, &rec.MinAllocation, &rec.MaxAllocation, &rec.LastPriceUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.ResourceType{}, alloc.ErrResourceNotFound
	}
	if err != nil {
		return alloc.ResourceType{}, err
	}
	rec.PriorityFloor = access.Tier(floor)
	return rec, nil
}

const resourceColumns = `id, name, total_supply, available, unit_price, locked, priority_floor, min_allocation, max_allocation, last_price_update`

func getResource(ctx context.Context, q querier, id int64, forUpdate bool) (alloc.ResourceType, error) {
	query := `select ` + resourceColumns + ` from resources where id=$1`
	if forUpdate {
		query += ` for update`
	}
	return scanResource(q.QueryRowContext(ctx, query, id))
}

func scanRequest(row *sql.Row) (alloc.Request, error) {
	var req alloc.Request
	var status string
	var priority int
	err := row.Scan(&req.ID, &req.Requester, &req.ResourceID, &req.Amount, &status,
		&priority, &req.SubmittedAt, &req.ExpiresAt, &req.Purpose)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.Request{}, alloc.ErrRequestNotFound
	}
	if err != nil {
		return alloc.Request{}, err
	}
	req.Status = alloc.RequestStatus(status)
	req.Priority = access.Tier(priority)
	return req, nil
}

const requestColumns = `id, requester, resource_id, amount, status, priority, submitted_at, expires_at, coalesce(purpose,'')`

// --- Control plane ---

func (s *Store) Initialize(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (alloc.SystemState, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.SystemState{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.SystemState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.SystemState{}, err
	}
	if st.Initialized {
		return alloc.SystemState{}, alloc.ErrAlreadyInitialized
	}
	if maxOpAmount <= 0 {
		return alloc.SystemState{}, alloc.ErrInvalidAmount
	}
	st = alloc.SystemState{
		Initialized:      true,
		MaxOpAmount:      maxOpAmount,
		EmergencyContact: strings.TrimSpace(emergencyContact),
	}
	if err := saveState(ctx, tx, st); err != nil {
		return alloc.SystemState{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.SystemState{}, err
	}
	return st, nil
}

func (s *Store) UpdateParams(ctx context.Context, caller string, maxOpAmount int64, emergencyContact string) (alloc.SystemState, error) {
	return s.mutateState(ctx, caller, func(st *alloc.SystemState) error {
		if maxOpAmount <= 0 {
			return alloc.ErrInvalidAmount
		}
		st.MaxOpAmount = maxOpAmount
		st.EmergencyContact = strings.TrimSpace(emergencyContact)
		return nil
	})
}

func (s *Store) EnterMaintenance(ctx context.Context, caller string) (alloc.SystemState, error) {
	return s.mutateState(ctx, caller, func(st *alloc.SystemState) error {
		// Maintenance entry forces the pause flag as well.
		st.Maintenance = true
		st.Paused = true
		return nil
	})
}

func (s *Store) ExitMaintenance(ctx context.Context, caller string) (alloc.SystemState, error) {
	return s.mutateState(ctx, caller, func(st *alloc.SystemState) error {
		st.Maintenance = false
		st.Paused = false
		return nil
	})
}

func (s *Store) Pause(ctx context.Context, caller string) (alloc.SystemState, error) {
	return s.mutateState(ctx, caller, func(st *alloc.SystemState) error {
		st.Paused = true
		return nil
	})
}

func (s *Store) Resume(ctx context.Context, caller string) (alloc.SystemState, error) {
	return s.mutateState(ctx, caller, func(st *alloc.SystemState) error {
		if st.Maintenance {
			// Exit maintenance explicitly; resume alone must not lift it.
			return alloc.ErrUnauthorized
		}
		st.Paused = false
		return nil
	})
}

// mutateState applies fn to the initialized singleton under a serializable tx.
func (s *Store) mutateState(ctx context.Context, caller string, fn func(*alloc.SystemState) error) (alloc.SystemState, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.SystemState{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.SystemState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.SystemState{}, err
	}
	if !st.Initialized {
		return alloc.SystemState{}, alloc.ErrNotInitialized
	}
	if err := fn(&st); err != nil {
		return alloc.SystemState{}, err
	}
	if err := saveState(ctx, tx, st); err != nil {
		return alloc.SystemState{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.SystemState{}, err
	}
	return st, nil
}

func (s *Store) System(ctx context.Context) (alloc.SystemState, error) {
	return loadState(ctx, s.db)
}

// --- Actor directory ---

func (s *Store) SetRole(ctx context.Context, caller, actor, role string) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alloc.ErrInvalidDestination
	}
	_, err := s.db.ExecContext(ctx, `
		insert into actors(id, role, blacklisted) values ($1,$2,false)
		on conflict (id) do update set role=excluded.role
	`, actor, string(access.ParseRole(role)))
	return err
}

func (s *Store) SetBlacklisted(ctx context.Context, caller, actor string, blacklisted bool) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alloc.ErrInvalidDestination
	}
	_, err := s.db.ExecContext(ctx, `
		insert into actors(id, role, blacklisted) values ($1,$2,$3)
		on conflict (id) do update set blacklisted=excluded.blacklisted
	`, actor, string(access.RoleUser), blacklisted)
	return err
}

// --- Resource pool registry ---

func (s *Store) RegisterResource(ctx context.Context, caller string, spec alloc.ResourceSpec) (alloc.ResourceType, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.ResourceType{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.ResourceType{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if !st.Initialized {
		return alloc.ResourceType{}, alloc.ErrNotInitialized
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" || len(name) > alloc.MaxNameLen {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}
	if spec.Supply <= 0 || spec.Supply > st.MaxOpAmount {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}
	if spec.UnitPrice <= 0 || spec.UnitPrice > st.MaxOpAmount {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}
	if spec.MinAllocation <= 0 || spec.MaxAllocation < spec.MinAllocation {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}
	if !spec.PriorityFloor.Valid() {
		return alloc.ResourceType{}, alloc.ErrInvalidPriority
	}

	rec := alloc.ResourceType{
		ID:              spec.ID,
		Name:            name,
		TotalSupply:     spec.Supply,
		Available:       spec.Supply,
		UnitPrice:       spec.UnitPrice,
		PriorityFloor:   spec.PriorityFloor,
		MinAllocation:   spec.MinAllocation,
		MaxAllocation:   spec.MaxAllocation,
		LastPriceUpdate: s.clk.Height(),
	}
	// Re-registering an identifier is an idempotent upsert: the record and its
	// price history are overwritten wholesale.
	if _, err := tx.ExecContext(ctx, `
		insert into resources(`+resourceColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (id) do update set
			name=excluded.name,
			total_supply=excluded.total_supply,
			available=excluded.available,
			unit_price=excluded.unit_price,
			locked=excluded.locked,
			priority_floor=excluded.priority_floor,
			min_allocation=excluded.min_allocation,
			max_allocation=excluded.max_allocation,
			last_price_update=excluded.last_price_update
	`, rec.ID, rec.Name, rec.TotalSupply, rec.Available, rec.UnitPrice, rec.Locked,
		int(rec.PriorityFloor), rec.MinAllocation, rec.MaxAllocation, rec.LastPriceUpdate); err != nil {
		return alloc.ResourceType{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from price_history where resource_id=$1`, rec.ID); err != nil {
		return alloc.ResourceType{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.ResourceType{}, err
	}
	return rec, nil
}

func (s *Store) GetResource(ctx context.Context, id int64) (alloc.ResourceType, error) {
	return getResource(ctx, s.db, id, false)
}

func (s *Store) ListResources(ctx context.Context) ([]alloc.ResourceType, error) {
	rows, err := s.db.QueryContext(ctx, `select `+resourceColumns+` from resources order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alloc.ResourceType
	for rows.Next() {
		var rec alloc.ResourceType
		var floor int
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.TotalSupply, &rec.Available, &rec.UnitPrice,
			&rec.Locked, &floor, &rec.MinAllocation, &rec.MaxAllocation, &rec.LastPriceUpdate); err != nil {
			return nil, err
		}
		rec.PriorityFloor = access.Tier(floor)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePrice(ctx context.Context, caller string, id, newPrice int64) (alloc.ResourceType, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.ResourceType{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.ResourceType{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if !st.Initialized {
		return alloc.ResourceType{}, alloc.ErrNotInitialized
	}
	rec, err := getResource(ctx, tx, id, true)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if newPrice <= 0 || newPrice > st.MaxOpAmount {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}

	// The superseded price goes to the head of the history; the tail past the
	// cap is evicted.
	if _, err := tx.ExecContext(ctx, `
		insert into price_history(resource_id, price) values ($1,$2)
	`, id, rec.UnitPrice); err != nil {
		return alloc.ResourceType{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from price_history
		where resource_id=$1 and seq not in (
			select seq from price_history where resource_id=$1 order by seq desc limit $2
		)
	`, id, alloc.PriceHistoryCap); err != nil {
		return alloc.ResourceType{}, err
	}

	height := s.clk.Height()
	if _, err := tx.ExecContext(ctx, `
		update resources set unit_price=$2, last_price_update=$3 where id=$1
	`, id, newPrice, height); err != nil {
		return alloc.ResourceType{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.ResourceType{}, err
	}

	rec.UnitPrice = newPrice
	rec.LastPriceUpdate = height
	return rec, nil
}

func (s *Store) SetLocked(ctx context.Context, caller string, id int64, locked bool) (alloc.ResourceType, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.ResourceType{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.ResourceType{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if !st.Initialized {
		return alloc.ResourceType{}, alloc.ErrNotInitialized
	}
	rec, err := getResource(ctx, tx, id, true)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if _, err := tx.ExecContext(ctx, `update resources set locked=$2 where id=$1`, id, locked); err != nil {
		return alloc.ResourceType{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.ResourceType{}, err
	}
	rec.Locked = locked
	return rec, nil
}

func (s *Store) PriceHistory(ctx context.Context, id int64) ([]int64, error) {
	if _, err := getResource(ctx, s.db, id, false); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select price from price_history where resource_id=$1 order by seq desc limit $2
	`, id, alloc.PriceHistoryCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0, alloc.PriceHistoryCap)
	for rows.Next() {
		var price int64
		if err := rows.Scan(&price); err != nil {
			return nil, err
		}
		out = append(out, price)
	}
	return out, rows.Err()
}

// --- Allocation requests ---

func (s *Store) Submit(ctx context.Context, requester string, resourceID, amount int64, purpose string) (alloc.Request, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return alloc.Request{}, alloc.ErrUnauthorized
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.Request{}, err
	}
	if !st.Initialized {
		return alloc.Request{}, alloc.ErrNotInitialized
	}
	if st.Paused || st.Maintenance {
		return alloc.Request{}, alloc.ErrUnauthorized
	}
	tier, eligible, err := tierOf(ctx, tx, requester)
	if err != nil {
		return alloc.Request{}, err
	}
	if !eligible {
		return alloc.Request{}, alloc.ErrUnauthorized
	}
	rec, err := getResource(ctx, tx, resourceID, true)
	if err != nil {
		return alloc.Request{}, err
	}
	if rec.Locked {
		return alloc.Request{}, alloc.ErrResourceLocked
	}
	if amount <= 0 || amount > st.MaxOpAmount || amount < rec.MinAllocation {
		return alloc.Request{}, alloc.ErrInvalidAmount
	}
	if amount > rec.MaxAllocation {
		return alloc.Request{}, alloc.ErrLimitExceeded
	}
	if amount > rec.Available {
		return alloc.Request{}, alloc.ErrInsufficientBalance
	}
	if tier < rec.PriorityFloor {
		return alloc.Request{}, alloc.ErrUnauthorized
	}
	purpose = alloc.TruncatePurpose(purpose)

	// The counter only advances on a successful submission and doubles as the
	// request identifier.
	var id uint64
	if err := tx.QueryRowContext(ctx, `
		update system_state set total_requests = total_requests + 1 where id=1 returning total_requests
	`).Scan(&id); err != nil {
		return alloc.Request{}, err
	}

	now := s.clk.Height()
	req := alloc.Request{
		ID:          id,
		Requester:   requester,
		ResourceID:  resourceID,
		Amount:      amount,
		Status:      alloc.StatusPending,
		Priority:    tier,
		SubmittedAt: now,
		ExpiresAt:   now + alloc.ExpiryWindow,
		Purpose:     purpose,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into requests(id, requester, resource_id, amount, status, priority, submitted_at, expires_at, purpose)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, req.ID, req.Requester, req.ResourceID, req.Amount, string(req.Status),
		int(req.Priority), req.SubmittedAt, req.ExpiresAt, req.Purpose); err != nil {
		return alloc.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.Request{}, err
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id uint64) (alloc.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from requests where id=$1`, id))
	if err != nil {
		return alloc.Request{}, err
	}
	return req.View(s.clk.Height()), nil
}

func (s *Store) ListRequests(ctx context.Context, status alloc.RequestStatus, limit int) ([]alloc.Request, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	// Status filtering happens after the lazy-expiry view is applied, so a
	// stored PENDING past its window matches EXPIRED, not PENDING.
	rows, err := s.db.QueryContext(ctx,
		`select `+requestColumns+` from requests order by id desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.clk.Height()
	out := make([]alloc.Request, 0, limit)
	for rows.Next() {
		var req alloc.Request
		var st string
		var priority int
		if err := rows.Scan(&req.ID, &req.Requester, &req.ResourceID, &req.Amount, &st,
			&priority, &req.SubmittedAt, &req.ExpiresAt, &req.Purpose); err != nil {
			return nil, err
		}
		req.Status = alloc.RequestStatus(st)
		req.Priority = access.Tier(priority)
		view := req.View(now)
		if status != "" && view.Status != status {
			continue
		}
		out = append(out, view)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) Approve(ctx context.Context, caller string, id uint64) (alloc.Request, error) {
	return s.decide(ctx, caller, id, true)
}

func (s *Store) Reject(ctx context.Context, caller string, id uint64) (alloc.Request, error) {
	return s.decide(ctx, caller, id, false)
}

func (s *Store) decide(ctx context.Context, caller string, id uint64, approve bool) (alloc.Request, error) {
	if err := s.requireAdmin(caller); err != nil {
		return alloc.Request{}, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.Request{}, err
	}
	if !st.Initialized {
		return alloc.Request{}, alloc.ErrNotInitialized
	}
	req, err := scanRequest(tx.QueryRowContext(ctx,
		`select `+requestColumns+` from requests where id=$1 for update`, id))
	if err != nil {
		return alloc.Request{}, err
	}
	if req.Status != alloc.StatusPending {
		// Terminal states never transition again; double approval included.
		return alloc.Request{}, alloc.ErrUnauthorized
	}
	if req.ExpiredAt(s.clk.Height()) {
		// Lazy expiry is persisted on the first decision attempt.
		if _, uerr := tx.ExecContext(ctx, `update requests set status=$2 where id=$1`,
			id, string(alloc.StatusExpired)); uerr != nil {
			return alloc.Request{}, uerr
		}
		if cerr := tx.Commit(); cerr != nil {
			return alloc.Request{}, cerr
		}
		return alloc.Request{}, alloc.ErrRequestExpired
	}

	if approve {
		rec, err := getResource(ctx, tx, req.ResourceID, true)
		if err != nil {
			return alloc.Request{}, err
		}
		// Re-validate against the live record; availability may have moved
		// since submission.
		if req.Amount > rec.Available {
			return alloc.Request{}, alloc.ErrInsufficientBalance
		}
		if _, err := tx.ExecContext(ctx, `
			update resources set available = available - $2 where id=$1
		`, req.ResourceID, req.Amount); err != nil {
			return alloc.Request{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into holdings(actor, resource_id, amount) values ($1,$2,$3)
			on conflict (actor, resource_id) do update set amount = holdings.amount + excluded.amount
		`, req.Requester, req.ResourceID, req.Amount); err != nil {
			return alloc.Request{}, err
		}
		req.Status = alloc.StatusApproved
	} else {
		// The pool was never debited at submission time, so nothing is returned.
		req.Status = alloc.StatusRejected
	}
	if _, err := tx.ExecContext(ctx, `update requests set status=$2 where id=$1`,
		id, string(req.Status)); err != nil {
		return alloc.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.Request{}, err
	}
	return req, nil
}

// --- Balance ledger ---

func (s *Store) Balance(ctx context.Context, actor string, resourceID int64) (int64, error) {
	var amt int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(h.amount,0)
		from resources r
		left join holdings h on h.resource_id=r.id and h.actor=$1
		where r.id=$2
	`, actor, resourceID).Scan(&amt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, alloc.ErrResourceNotFound
	}
	if err != nil {
		return 0, err
	}
	return amt, nil
}

func (s *Store) Holdings(ctx context.Context, actor string) ([]alloc.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		select resource_id, amount from holdings
		where actor=$1 and amount <> 0
		order by resource_id asc
	`, actor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alloc.Holding
	for rows.Next() {
		h := alloc.Holding{Actor: actor}
		if err := rows.Scan(&h.ResourceID, &h.Amount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Transfer(ctx context.Context, from, to string, resourceID, amount int64) error {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return err
	}
	if !st.Initialized {
		return alloc.ErrNotInitialized
	}
	if st.Paused {
		return alloc.ErrUnauthorized
	}
	if from == "" {
		return alloc.ErrUnauthorized
	}
	if _, eligible, err := tierOf(ctx, tx, from); err != nil {
		return err
	} else if !eligible {
		return alloc.ErrUnauthorized
	}
	if to == "" || to == from {
		return alloc.ErrInvalidDestination
	}
	if _, eligible, err := tierOf(ctx, tx, to); err != nil {
		return err
	} else if !eligible {
		return alloc.ErrInvalidDestination
	}
	rec, err := getResource(ctx, tx, resourceID, true)
	if err != nil {
		return err
	}
	if rec.Locked {
		return alloc.ErrResourceLocked
	}
	if amount <= 0 || amount > st.MaxOpAmount {
		return alloc.ErrInvalidAmount
	}

	var fromBal int64
	err = tx.QueryRowContext(ctx, `
		select amount from holdings where actor=$1 and resource_id=$2 for update
	`, from, resourceID).Scan(&fromBal)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.ErrInsufficientBalance
	}
	if err != nil {
		return err
	}
	if fromBal < amount {
		return alloc.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		update holdings set amount = amount - $3 where actor=$1 and resource_id=$2
	`, from, resourceID, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into holdings(actor, resource_id, amount) values ($1,$2,$3)
		on conflict (actor, resource_id) do update set amount = holdings.amount + excluded.amount
	`, to, resourceID, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Return(ctx context.Context, actor string, resourceID, amount int64) (alloc.ResourceType, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return alloc.ResourceType{}, alloc.ErrUnauthorized
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return alloc.ResourceType{}, err
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadState(ctx, tx)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if !st.Initialized {
		return alloc.ResourceType{}, alloc.ErrNotInitialized
	}
	rec, err := getResource(ctx, tx, resourceID, true)
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if amount <= 0 || amount > st.MaxOpAmount {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}

	var bal int64
	err = tx.QueryRowContext(ctx, `
		select amount from holdings where actor=$1 and resource_id=$2 for update
	`, actor, resourceID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return alloc.ResourceType{}, alloc.ErrInsufficientBalance
	}
	if err != nil {
		return alloc.ResourceType{}, err
	}
	if bal < amount {
		return alloc.ResourceType{}, alloc.ErrInsufficientBalance
	}
	// Available may never exceed total supply; an over-credit here would mean
	// the per-type balance invariant was already broken elsewhere.
	if rec.Available+amount > rec.TotalSupply {
		return alloc.ResourceType{}, alloc.ErrInvalidAmount
	}

	if _, err := tx.ExecContext(ctx, `
		update holdings set amount = amount - $3 where actor=$1 and resource_id=$2
	`, actor, resourceID, amount); err != nil {
		return alloc.ResourceType{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update resources set available = available + $2 where id=$1
	`, resourceID, amount); err != nil {
		return alloc.ResourceType{}, err
	}
	if err := tx.Commit(); err != nil {
		return alloc.ResourceType{}, err
	}
	rec.Available += amount
	return rec, nil
}
