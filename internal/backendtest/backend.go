// Package backendtest runs an in-memory coordination backend for tests:
// the REST surface the transport client speaks, with version bumping,
// capacity enforcement, and injectable failures. The bearer token doubles
// as the acting user ID, so a test exercises several users by pointing
// clients with different tokens at one backend.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

type rejection struct {
	remaining int
	status    int
	code      apperrors.Code
	message   string
}

// Backend is the fake coordination service.
type Backend struct {
	mu sync.Mutex

	server *httptest.Server

	hosts          map[string]string // streamID -> hostID
	names          map[string]string // userID -> display name
	coHostRequests map[string]*lifecycle.CoHostRequest
	coHosts        map[string]*lifecycle.CoHostMembership // keyed by MembershipID
	callRequests   map[string]*lifecycle.CallRequest

	maxCoHosts int
	nextID     int

	hits     map[string]int
	failures map[string]int
	rejects  map[string]*rejection
}

// New starts a backend on an ephemeral port. Callers own Close.
func New() *Backend {
	b := &Backend{
		hosts:          make(map[string]string),
		names:          make(map[string]string),
		coHostRequests: make(map[string]*lifecycle.CoHostRequest),
		coHosts:        make(map[string]*lifecycle.CoHostMembership),
		callRequests:   make(map[string]*lifecycle.CallRequest),
		maxCoHosts:     lifecycle.DefaultMaxCoHosts,
		hits:           make(map[string]int),
		failures:       make(map[string]int),
		rejects:        make(map[string]*rejection),
	}

	r := mux.NewRouter()
	r.HandleFunc("/co-host-request", b.handleCoHostRequest).Methods(http.MethodPost)
	r.HandleFunc("/co-host-accept", b.handleCoHostAccept).Methods(http.MethodPost)
	r.HandleFunc("/co-host-reject", b.handleCoHostReject).Methods(http.MethodPost)
	r.HandleFunc("/co-host-remove", b.handleCoHostRemove).Methods(http.MethodPost)
	r.HandleFunc("/co-hosts/{streamID}", b.handleListCoHosts).Methods(http.MethodGet)
	r.HandleFunc("/co-host-requests", b.handleListCoHostRequests).Methods(http.MethodGet)
	r.HandleFunc("/sessions/requests", b.handleCreateCallRequest).Methods(http.MethodPost)
	r.HandleFunc("/sessions/requests", b.handleListCallRequests).Methods(http.MethodGet)
	r.HandleFunc("/sessions/requests/{requestID}/accept", b.handleCallRespond(lifecycle.StatusAccepted)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/requests/{requestID}/decline", b.handleCallRespond(lifecycle.StatusDeclined)).Methods(http.MethodPost)

	b.server = httptest.NewServer(b.intercept(r))
	return b
}

// URL returns the backend's base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// Close shuts the backend down.
func (b *Backend) Close() {
	b.server.Close()
}

// SetMaxCoHosts overrides the capacity limit, default 4.
func (b *Backend) SetMaxCoHosts(n int) {
	b.mu.Lock()
	b.maxCoHosts = n
	b.mu.Unlock()
}

// ===== Failure injection =====

func routeKey(method, path string) string {
	return method + " " + path
}

// FailNext makes the next n requests to the route answer 500.
func (b *Backend) FailNext(method, path string, n int) {
	b.mu.Lock()
	b.failures[routeKey(method, path)] = n
	b.mu.Unlock()
}

// RejectNext makes the next n requests to the route answer with the given
// error envelope.
func (b *Backend) RejectNext(method, path string, n, status int, code apperrors.Code, message string) {
	b.mu.Lock()
	b.rejects[routeKey(method, path)] = &rejection{remaining: n, status: status, code: code, message: message}
	b.mu.Unlock()
}

// Hits returns how many requests reached the route, injected failures
// included.
func (b *Backend) Hits(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[routeKey(method, path)]
}

func (b *Backend) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r.Method, r.URL.Path)

		b.mu.Lock()
		b.hits[key]++
		if n := b.failures[key]; n > 0 {
			b.failures[key] = n - 1
			b.mu.Unlock()
			writeError(w, http.StatusInternalServerError, apperrors.CodeUnknown, "injected failure")
			return
		}
		if rej := b.rejects[key]; rej != nil && rej.remaining > 0 {
			rej.remaining--
			status, code, message := rej.status, rej.code, rej.message
			b.mu.Unlock()
			writeError(w, status, code, message)
			return
		}
		b.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// ===== Seeding =====

// SeedStream registers a stream and its host.
func (b *Backend) SeedStream(streamID, hostID string) {
	b.mu.Lock()
	b.hosts[streamID] = hostID
	b.mu.Unlock()
}

// SeedUser registers a display name for a user.
func (b *Backend) SeedUser(userID, displayName string) {
	b.mu.Lock()
	b.names[userID] = displayName
	b.mu.Unlock()
}

// SeedCoHostRequest inserts a pending co-host request and returns its ID.
func (b *Backend) SeedCoHostRequest(streamID, requesterID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID("chr")
	req := lifecycle.NewCoHostRequest(id, requesterID, streamID, b.names[requesterID], time.Now().UTC())
	req.Version = 1
	b.coHostRequests[id] = req
	return id
}

// SeedCoHost inserts an active co-host membership.
func (b *Backend) SeedCoHost(streamID, coHostID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := lifecycle.NewCoHostMembership(streamID, coHostID, b.names[coHostID], time.Now().UTC())
	m.Version = 1
	b.coHosts[m.EntityID()] = m
}

// SeedCallRequest inserts a pending call request and returns its ID.
func (b *Backend) SeedCallRequest(requesterID, targetID string, serviceType lifecycle.ServiceType, priceQuoted int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID("call")
	req := lifecycle.NewCallRequest(id, requesterID, targetID, serviceType, priceQuoted, time.Now().UTC())
	req.Version = 1
	b.callRequests[id] = req
	return id
}

// ===== State inspection =====

// CoHostRequest returns a copy of a co-host request.
func (b *Backend) CoHostRequest(id string) (lifecycle.CoHostRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.coHostRequests[id]
	if !ok {
		return lifecycle.CoHostRequest{}, false
	}
	return *req, true
}

// CoHost returns a copy of a membership.
func (b *Backend) CoHost(streamID, coHostID string) (lifecycle.CoHostMembership, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.coHosts[lifecycle.MembershipID(streamID, coHostID)]
	if !ok {
		return lifecycle.CoHostMembership{}, false
	}
	return *m, true
}

// CallRequest returns a copy of a call request.
func (b *Backend) CallRequest(id string) (lifecycle.CallRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.callRequests[id]
	if !ok {
		return lifecycle.CallRequest{}, false
	}
	return *req, true
}

// ActiveCoHosts counts a stream's active memberships.
func (b *Backend) ActiveCoHosts(streamID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCoHostsLocked(streamID)
}

func (b *Backend) activeCoHostsLocked(streamID string) int {
	n := 0
	for _, m := range b.coHosts {
		if m.StreamID == streamID && m.State == lifecycle.StatusActive {
			n++
		}
	}
	return n
}

func (b *Backend) newID(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s-%d", prefix, b.nextID)
}

// ===== Handlers =====

// actor resolves the acting user from the bearer token.
func actor(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (b *Backend) handleCoHostRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StreamID string `json:"streamId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StreamID == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "streamId is required")
		return
	}
	requester := actor(r)
	if requester == "" {
		writeError(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "missing token")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, req := range b.coHostRequests {
		if req.StreamID == body.StreamID && req.RequesterID == requester && req.State == lifecycle.StatusPending {
			writeError(w, http.StatusConflict, apperrors.CodeAlreadyRequested, "request already pending")
			return
		}
	}

	id := b.newID("chr")
	req := lifecycle.NewCoHostRequest(id, requester, body.StreamID, b.names[requester], time.Now().UTC())
	req.Version = 1
	b.coHostRequests[id] = req
	writeJSON(w, http.StatusCreated, map[string]string{"requestId": id})
}

func (b *Backend) handleCoHostAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := b.decodeRequestID(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.coHostRequests[id]
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.CodeNotFound, "co-host request not found")
		return
	}
	if b.hosts[req.StreamID] != actor(r) {
		writeError(w, http.StatusForbidden, apperrors.CodeUnauthorized, "only the host may accept")
		return
	}
	if req.State != lifecycle.StatusPending {
		writeError(w, http.StatusConflict, apperrors.CodeInvalidState,
			fmt.Sprintf("request is %s, not pending", req.State))
		return
	}
	if b.activeCoHostsLocked(req.StreamID) >= b.maxCoHosts {
		writeError(w, http.StatusConflict, apperrors.CodeCapacityExceeded,
			fmt.Sprintf("stream already has %d co-hosts", b.maxCoHosts))
		return
	}

	now := time.Now().UTC()
	req.State = lifecycle.StatusAccepted
	req.Version++
	req.UpdatedAt = now

	m := lifecycle.NewCoHostMembership(req.StreamID, req.RequesterID, req.DisplayName, now)
	m.Version = 1
	b.coHosts[m.EntityID()] = m
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (b *Backend) handleCoHostReject(w http.ResponseWriter, r *http.Request) {
	id, ok := b.decodeRequestID(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.coHostRequests[id]
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.CodeNotFound, "co-host request not found")
		return
	}
	if b.hosts[req.StreamID] != actor(r) {
		writeError(w, http.StatusForbidden, apperrors.CodeUnauthorized, "only the host may reject")
		return
	}
	if req.State != lifecycle.StatusPending {
		writeError(w, http.StatusConflict, apperrors.CodeInvalidState,
			fmt.Sprintf("request is %s, not pending", req.State))
		return
	}

	req.State = lifecycle.StatusRejected
	req.Version++
	req.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (b *Backend) handleCoHostRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CoHostID string `json:"coHostId"`
		StreamID string `json:"streamId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CoHostID == "" || body.StreamID == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "coHostId and streamId are required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.coHosts[lifecycle.MembershipID(body.StreamID, body.CoHostID)]
	if !ok || m.State != lifecycle.StatusActive {
		writeError(w, http.StatusNotFound, apperrors.CodeNotFound, "active co-host not found")
		return
	}

	who := actor(r)
	switch who {
	case b.hosts[body.StreamID]:
		m.State = lifecycle.StatusRemoved
	case body.CoHostID:
		m.State = lifecycle.StatusLeft
	default:
		writeError(w, http.StatusForbidden, apperrors.CodeUnauthorized, "only the host or the co-host may remove")
		return
	}
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]string{"status": m.State.String()})
}

func (b *Backend) handleListCoHosts(w http.ResponseWriter, r *http.Request) {
	streamID := mux.Vars(r)["streamID"]

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*lifecycle.CoHostMembership, 0)
	for _, m := range b.coHosts {
		if m.StreamID == streamID {
			cp := *m
			out = append(out, &cp)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"coHosts": out})
}

func (b *Backend) handleListCoHostRequests(w http.ResponseWriter, r *http.Request) {
	who := actor(r)

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*lifecycle.CoHostRequest, 0)
	for _, req := range b.coHostRequests {
		if req.RequesterID == who || b.hosts[req.StreamID] == who {
			cp := *req
			out = append(out, &cp)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (b *Backend) handleCreateCallRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetID    string                `json:"targetId"`
		ServiceType lifecycle.ServiceType `json:"serviceType"`
		PriceQuoted int64                 `json:"priceQuoted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetID == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "targetId is required")
		return
	}
	requester := actor(r)
	if requester == "" {
		writeError(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "missing token")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.newID("call")
	req := lifecycle.NewCallRequest(id, requester, body.TargetID, body.ServiceType, body.PriceQuoted, time.Now().UTC())
	req.Version = 1
	b.callRequests[id] = req
	writeJSON(w, http.StatusCreated, map[string]string{"requestId": id})
}

func (b *Backend) handleCallRespond(to lifecycle.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["requestID"]

		b.mu.Lock()
		defer b.mu.Unlock()
		req, ok := b.callRequests[id]
		if !ok {
			writeError(w, http.StatusNotFound, apperrors.CodeNotFound, "call request not found")
			return
		}
		if req.TargetID != actor(r) {
			writeError(w, http.StatusForbidden, apperrors.CodeUnauthorized, "only the target may respond")
			return
		}
		if req.State != lifecycle.StatusPending {
			writeError(w, http.StatusConflict, apperrors.CodeInvalidState,
				fmt.Sprintf("request is %s, not pending", req.State))
			return
		}

		req.State = to
		req.Version++
		req.UpdatedAt = time.Now().UTC()
		writeJSON(w, http.StatusOK, map[string]string{"status": to.String()})
	}
}

func (b *Backend) handleListCallRequests(w http.ResponseWriter, r *http.Request) {
	who := actor(r)
	statusFilter := r.URL.Query().Get("status")

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*lifecycle.CallRequest, 0)
	for _, req := range b.callRequests {
		if req.RequesterID != who && req.TargetID != who {
			continue
		}
		if statusFilter != "" && req.State != lifecycle.ParseStatus(statusFilter) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (b *Backend) decodeRequestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeValidation, "requestId is required")
		return "", false
	}
	return body.RequestID, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code apperrors.Code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
