package hooks

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"peer-wan/pkg/auth"
	"peer-wan/pkg/controller/store"
	"peer-wan/pkg/host"
	"peer-wan/pkg/identity"
	"peer-wan/pkg/model"
)

// AdminServer is an optional, JWT-gated HTTP surface for operating an
// embedded controller by hand: querying derived summaries and retriggering
// ncSendConfig for a stuck member. It is new operator tooling, not the
// controller's authoritative REST API the Non-goals section excludes
// (spec.md §9) — it never accepts or serves the wire protocol itself.
// Modeled on a conventional pkg/api/controller.go route
// registration style and register/login handler pair.
type AdminServer struct {
	DB      *gorm.DB
	Store   *store.Store
	Netconf *Netconf

	hub *eventHub
}

// NewAdminServer wires an admin surface over db (for operator accounts)
// and st (for summary queries). db.AutoMigrate(&model.Operator{}) must have
// already run, the same way db.Init migrates its own model
// before the admin handlers use it.
func NewAdminServer(db *gorm.DB, st *store.Store, netconf *Netconf) *AdminServer {
	return &AdminServer{DB: db, Store: st, Netconf: netconf, hub: newEventHub()}
}

// RegisterRoutes wires the admin mux, using the conventional
// mux.HandleFunc + closure-based auth check idiom of pkg/api/controller.go.
func (a *AdminServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/admin/auth/register", a.handleRegister)
	mux.HandleFunc("/api/v1/admin/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/admin/networks/summary", a.requireJWT(a.handleSummary))
	mux.HandleFunc("/api/v1/admin/networks/push", a.requireJWT(a.handlePush))
	mux.HandleFunc("/api/v1/admin/events", a.hub.handleWS)
}

// PostEvent feeds a node.host.Callbacks-shaped event into the websocket
// fanout; a daemon wires this as its own Event callback (or chains it after
// another one) so admin UIs see ONLINE/OFFLINE/TRACE transitions live.
func (a *AdminServer) PostEvent(kind host.EventKind, payload interface{}) {
	a.hub.broadcast(adminEvent{Kind: int(kind), Payload: payload})
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister only allows the first admin account to be created,
// matching the first-account-wins shape of a conventional pkg/api/auth.go handleRegister.
func (a *AdminServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var count int64
	a.DB.Model(&model.Operator{}).Count(&count)
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}
	op := model.Operator{Username: req.Username, PasswordHash: string(hash), IsAdmin: true}
	if err := a.DB.Create(&op).Error; err != nil {
		http.Error(w, "failed to create operator", http.StatusInternalServerError)
		return
	}
	token, err := auth.Generate(op.ID, op.Username, 24*time.Hour)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *AdminServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var op model.Operator
	if err := a.DB.Where("username = ?", req.Username).First(&op).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := auth.Generate(op.ID, op.Username, 24*time.Hour)
	if err != nil {
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireJWT wraps h with a bearer-token check against pkg/auth, the same
// AuthMiddleware shape as a conventional pkg/api/auth.go.
func (a *AdminServer) requireJWT(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hv := r.Header.Get("Authorization")
		if !strings.HasPrefix(hv, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(hv, "Bearer ")
		if _, err := auth.Parse(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (a *AdminServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nwidStr := r.URL.Query().Get("nwid")
	nwid, err := strconv.ParseUint(nwidStr, 16, 64)
	if err != nil {
		http.Error(w, "nwid (hex) is required", http.StatusBadRequest)
		return
	}
	sum, ok := a.Store.GetNetworkSummaryInfo(nwid)
	if !ok {
		http.Error(w, "no summary computed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handlePush retriggers ncSendConfig for a specific member, useful when an
// operator needs to kick a member that missed its config push.
func (a *AdminServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		NWID uint64 `json:"nwid"`
		MID  uint64 `json:"mid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	nw, ok, err := a.Store.GetNetwork(req.NWID)
	if err != nil || !ok {
		http.Error(w, "network not found", http.StatusNotFound)
		return
	}
	dest := identityAddressFromMID(req.MID)
	if err := a.Netconf.NCSendConfig(req.NWID, 0, dest, nw.Raw); err != nil {
		http.Error(w, "push failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("hooks: failed to write response: %v", err)
	}
}

// adminEvent is the websocket envelope for fanned-out node events,
// mirroring a conventional pkg/api/ws.go WSMessage shape.
type adminEvent struct {
	Kind    int         `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// eventHub fans node events out to connected admin UIs, adapted from the
// teacher's pkg/api/ws.go WSHub (dropping the per-node keying, since here
// there is exactly one node per daemon process).
type eventHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*websocket.Conn]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subs:     map[*websocket.Conn]struct{}{},
	}
}

func (h *eventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hooks: ws upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	go h.readLoop(c)
}

func (h *eventHub) readLoop(c *websocket.Conn) {
	defer func() {
		c.Close()
		h.mu.Lock()
		delete(h.subs, c)
		h.mu.Unlock()
	}()
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *eventHub) broadcast(ev adminEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs {
		if err := c.WriteJSON(ev); err != nil {
			log.Printf("hooks: ws broadcast failed: %v", err)
		}
	}
}

// identityAddressFromMID treats a member ID as an address for the push
// endpoint's convenience; member IDs in this runtime are node addresses.
func identityAddressFromMID(mid uint64) identity.Address {
	return identity.AddressFromUint64(mid)
}
