package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alloq.org/internal/access"
	"alloq.org/internal/alloc"
	"alloq.org/internal/audit"
	"alloq.org/internal/auth"
	"alloq.org/internal/obs"
	"alloq.org/internal/stream"
)

type registerResourceRequest struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Supply        int64  `json:"supply"`
	UnitPrice     int64  `json:"unit_price"`
	MinAllocation int64  `json:"min_allocation"`
	MaxAllocation int64  `json:"max_allocation"`
	PriorityFloor int    `json:"priority_floor"`
}

type updatePriceRequest struct {
	UnitPrice int64 `json:"unit_price"`
}

type submitRequest struct {
	ResourceID int64  `json:"resource_id"`
	Amount     int64  `json:"amount"`
	Purpose    string `json:"purpose"`
}

type transferRequest struct {
	To         string `json:"to"`
	ResourceID int64  `json:"resource_id"`
	Amount     int64  `json:"amount"`
}

type returnRequest struct {
	ResourceID int64 `json:"resource_id"`
	Amount     int64 `json:"amount"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type blacklistRequest struct {
	Blacklisted bool `json:"blacklisted"`
}

type systemParamsRequest struct {
	MaxOpAmount      int64  `json:"max_op_amount"`
	EmergencyContact string `json:"emergency_contact"`
}

type listRequestsResponse struct {
	Items []alloc.Request `json:"items"`
	AsOf  time.Time       `json:"as_of"`
}

// caller extracts the authenticated actor identity or fails with 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return actor, true
}

// --- Resource pool registry ---

func (a *API) handleResourcesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listResources(w, r)
	case http.MethodPost:
		a.registerResource(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleResourceItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/resources/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getResource(w, r, id)
	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.priceHistory(w, r, id)
	case "price":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.updatePrice(w, r, id)
	case "lock", "unlock":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setLocked(w, r, id, action == "lock")
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listResources(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.ListResources(r.Context())
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := a.svc.GetResource(r.Context(), id)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) priceHistory(w http.ResponseWriter, r *http.Request, id int64) {
	hist, err := a.svc.PriceHistory(r.Context(), id)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	if hist == nil {
		hist = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource_id": id, "prices": hist})
}

func (a *API) registerResource(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req registerResourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.svc.RegisterResource(r.Context(), actor, alloc.ResourceSpec{
		ID:            req.ID,
		Name:          req.Name,
		Supply:        req.Supply,
		UnitPrice:     req.UnitPrice,
		MinAllocation: req.MinAllocation,
		MaxAllocation: req.MaxAllocation,
		PriorityFloor: access.Tier(req.PriorityFloor),
	})
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	obs.SetResourceAvailable(rec.ID, rec.Available)
	a.audit(r.Context(), "registry.resource.register", "resource", strconv.FormatInt(rec.ID, 10), map[string]string{
		"name":   rec.Name,
		"supply": strconv.FormatInt(rec.TotalSupply, 10),
		"price":  strconv.FormatInt(rec.UnitPrice, 10),
	})

	w.Header().Set("Location", "/v1/resources/"+strconv.FormatInt(rec.ID, 10))
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) updatePrice(w http.ResponseWriter, r *http.Request, id int64) {
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req updatePriceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.svc.UpdatePrice(r.Context(), actor, id, req.UnitPrice)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	a.audit(r.Context(), "registry.resource.price_update", "resource", strconv.FormatInt(id, 10), map[string]string{
		"price": strconv.FormatInt(rec.UnitPrice, 10),
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) setLocked(w http.ResponseWriter, r *http.Request, id int64, locked bool) {
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.SetLocked(r.Context(), actor, id, locked)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	event := "registry.resource.unlock"
	if locked {
		event = "registry.resource.lock"
	}
	a.audit(r.Context(), event, "resource", strconv.FormatInt(id, 10), nil)
	writeJSON(w, http.StatusOK, rec)
}

// --- Allocation requests ---

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRequests(w, r)
	case http.MethodPost:
		a.submit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRequestItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "request not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRequest(w, r, id)
	case "approve", "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.decide(w, r, id, action == "approve")
	default:
		writeError(w, r, http.StatusNotFound, "request not found")
	}
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.svc.Submit(r.Context(), actor, req.ResourceID, req.Amount, req.Purpose)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	obs.RecordDecision("submitted")
	a.audit(r.Context(), "alloc.request.submit", "request", strconv.FormatUint(created.ID, 10), map[string]string{
		"resource": strconv.FormatInt(created.ResourceID, 10),
		"amount":   strconv.FormatInt(created.Amount, 10),
		"priority": strconv.Itoa(int(created.Priority)),
	})

	w.Header().Set("Location", "/v1/requests/"+strconv.FormatUint(created.ID, 10))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request, id uint64) {
	req, err := a.svc.GetRequest(r.Context(), id)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := alloc.RequestStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	switch status {
	case "", alloc.StatusPending, alloc.StatusApproved, alloc.StatusRejected, alloc.StatusExpired:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown status filter")
		return
	}

	items, err := a.svc.ListRequests(r.Context(), status, limit)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listRequestsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) decide(w http.ResponseWriter, r *http.Request, id uint64, approve bool) {
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}

	var (
		req alloc.Request
		err error
	)
	if approve {
		req, err = a.svc.Approve(r.Context(), actor, id)
	} else {
		req, err = a.svc.Reject(r.Context(), actor, id)
	}
	if errors.Is(err, alloc.ErrRequestExpired) {
		obs.RecordDecision("expired")
	}
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	if approve {
		obs.RecordDecision("approved")
		if rec, rerr := a.svc.GetResource(r.Context(), req.ResourceID); rerr == nil {
			obs.SetResourceAvailable(rec.ID, rec.Available)
		}
		if a.stream != nil {
			a.stream.Publish(stream.AllocationEvent{
				Kind:       stream.KindApproval,
				ResourceID: req.ResourceID,
				Actor:      req.Requester,
				Amount:     req.Amount,
				RequestID:  req.ID,
				Height:     a.clk.Height(),
				Timestamp:  time.Now().UTC(),
			})
		}
	} else {
		obs.RecordDecision("rejected")
	}

	event := "alloc.request.reject"
	if approve {
		event = "alloc.request.approve"
	}
	a.audit(r.Context(), event, "request", strconv.FormatUint(id, 10), map[string]string{
		"requester": req.Requester,
		"resource":  strconv.FormatInt(req.ResourceID, 10),
		"amount":    strconv.FormatInt(req.Amount, 10),
	})

	writeJSON(w, http.StatusOK, req)
}

// --- Balance ledger ---

func (a *API) handleActorItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/actors/")
	actorID, action, _ := strings.Cut(rest, "/")
	if actorID == "" {
		writeError(w, r, http.StatusNotFound, "actor not found")
		return
	}

	switch action {
	case "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, actorID)
	case "holdings":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getHoldings(w, r, actorID)
	case "role":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setRole(w, r, actorID)
	case "blacklist":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setBlacklisted(w, r, actorID)
	default:
		writeError(w, r, http.StatusNotFound, "unknown actor operation")
	}
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, actorID string) {
	resourceID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("resource")), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "resource query parameter is required")
		return
	}
	amount, err := a.svc.Balance(r.Context(), actorID, resourceID)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc.Holding{Actor: actorID, ResourceID: resourceID, Amount: amount})
}

func (a *API) getHoldings(w http.ResponseWriter, r *http.Request, actorID string) {
	items, err := a.svc.Holdings(r.Context(), actorID)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	if items == nil {
		items = []alloc.Holding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) setRole(w http.ResponseWriter, r *http.Request, actorID string) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetRole(r.Context(), caller, actorID, req.Role); err != nil {
		handleAllocError(w, r, err)
		return
	}
	a.audit(r.Context(), "access.role.set", "actor", actorID, map[string]string{"role": req.Role})
	writeJSON(w, http.StatusOK, map[string]any{"actor": actorID, "role": strings.ToUpper(strings.TrimSpace(req.Role))})
}

func (a *API) setBlacklisted(w http.ResponseWriter, r *http.Request, actorID string) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req blacklistRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetBlacklisted(r.Context(), caller, actorID, req.Blacklisted); err != nil {
		handleAllocError(w, r, err)
		return
	}
	a.audit(r.Context(), "access.blacklist.set", "actor", actorID, map[string]string{
		"blacklisted": strconv.FormatBool(req.Blacklisted),
	})
	writeJSON(w, http.StatusOK, map[string]any{"actor": actorID, "blacklisted": req.Blacklisted})
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.Transfer(r.Context(), actor, req.To, req.ResourceID, req.Amount); err != nil {
		handleAllocError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.AllocationEvent{
			Kind:       stream.KindTransfer,
			ResourceID: req.ResourceID,
			Actor:      actor,
			Recipient:  req.To,
			Amount:     req.Amount,
			Height:     a.clk.Height(),
			Timestamp:  time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "ledger.transfer.execute", "actor", actor, map[string]string{
		"to":       req.To,
		"resource": strconv.FormatInt(req.ResourceID, 10),
		"amount":   strconv.FormatInt(req.Amount, 10),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"from":        actor,
		"to":          req.To,
		"resource_id": req.ResourceID,
		"amount":      req.Amount,
	})
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req returnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.svc.Return(r.Context(), actor, req.ResourceID, req.Amount)
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	obs.SetResourceAvailable(rec.ID, rec.Available)
	if a.stream != nil {
		a.stream.Publish(stream.AllocationEvent{
			Kind:       stream.KindReturn,
			ResourceID: req.ResourceID,
			Actor:      actor,
			Amount:     req.Amount,
			Height:     a.clk.Height(),
			Timestamp:  time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "ledger.return.execute", "actor", actor, map[string]string{
		"resource": strconv.FormatInt(req.ResourceID, 10),
		"amount":   strconv.FormatInt(req.Amount, 10),
	})

	writeJSON(w, http.StatusOK, rec)
}

// --- Control plane ---

func (a *API) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	st, err := a.svc.System(r.Context())
	if err != nil {
		handleAllocError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleSystemAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.caller(w, r)
	if !ok {
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/v1/system/")

	var (
		st  alloc.SystemState
		err error
	)
	switch action {
	case "init":
		var req systemParamsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		st, err = a.svc.Initialize(r.Context(), actor, req.MaxOpAmount, req.EmergencyContact)
	case "params":
		var req systemParamsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		st, err = a.svc.UpdateParams(r.Context(), actor, req.MaxOpAmount, req.EmergencyContact)
	case "pause":
		st, err = a.svc.Pause(r.Context(), actor)
	case "resume":
		st, err = a.svc.Resume(r.Context(), actor)
	case "maintenance/enter":
		st, err = a.svc.EnterMaintenance(r.Context(), actor)
	case "maintenance/exit":
		st, err = a.svc.ExitMaintenance(r.Context(), actor)
	default:
		writeError(w, r, http.StatusNotFound, "unknown system action")
		return
	}
	if err != nil {
		handleAllocError(w, r, err)
		return
	}

	a.audit(r.Context(), "system."+strings.ReplaceAll(action, "/", "."), "system", "singleton", nil)
	writeJSON(w, http.StatusOK, st)
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event, entityKind, entityID string, meta map[string]string) {
	fields := map[string]any{entityKind: entityID}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAllocError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alloc.ErrInvalidAmount),
		errors.Is(err, alloc.ErrInvalidPriority),
		errors.Is(err, alloc.ErrInvalidDestination):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, alloc.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, alloc.ErrInsufficientBalance),
		errors.Is(err, alloc.ErrResourceLocked),
		errors.Is(err, alloc.ErrRequestExpired),
		errors.Is(err, alloc.ErrLimitExceeded),
		errors.Is(err, alloc.ErrAlreadyInitialized):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, alloc.ErrResourceNotFound),
		errors.Is(err, alloc.ErrRequestNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, alloc.ErrNotInitialized):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
