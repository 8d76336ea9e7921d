package txqueued

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"txqueue/services/txqueued/chain"
	"txqueue/services/txqueued/lock"
	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/nonce"
	"txqueue/services/txqueued/queue"
	"txqueue/services/txqueued/resend"
	"txqueue/services/txqueued/roles"
	"txqueue/services/txqueued/status"
	"txqueue/services/txqueued/straggler"
	"txqueue/services/txqueued/txerr"
)

// HealthChecker reports whether the gas provider is funded.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Syncer settles one record from its receipt.
type Syncer interface {
	Sync(ctx context.Context, hash string) (*models.Otx, error)
}

// ServerConfig captures the dependencies of the admin API.
type ServerConfig struct {
	Spec      chain.Spec
	Store     *queue.Store
	Locks     *lock.Registry
	Ledger    *nonce.Ledger
	Roles     *roles.Registry
	Submitter *Submitter
	Syncer    Syncer
	Resolver  *resend.Resolver
	Detector  *straggler.Detector
	Health    HealthChecker
	Auth      *Authenticator
}

// Server exposes the queue over HTTP.
type Server struct {
	cfg    ServerConfig
	router http.Handler
}

// NewServer constructs the router. Everything under /v1 requires a bearer
// token; /healthz and /metrics do not.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.cfg.Auth.Middleware)
		api.Post("/tx", s.handleSubmit)
		api.Get("/tx", s.handleList)
		api.Get("/tx/{hash}", s.handleGet)
		api.Get("/tx/{hash}/log", s.handleLog)
		api.Post("/tx/{hash}/resend", s.handleResend)
		api.Post("/tx/{hash}/shift", s.handleShift)
		api.Post("/tx/{hash}/sync", s.handleSync)
		api.Get("/stragglers", s.handleStragglers)

		api.Post("/nonce/reserve", s.handleReserve)
		api.Post("/nonce/release", s.handleRelease)
		api.Get("/nonce/{address}", s.handlePeek)
		api.Put("/nonce/{address}", s.handleInitNonce)

		api.Get("/locks", s.handleLockCheck)
		api.Put("/locks", s.handleLockSet)
		api.Delete("/locks", s.handleLockReset)

		api.Get("/roles", s.handleRoles)
		api.Put("/roles/{tag}", s.handleRoleSet)
	})
	return otelhttp.NewHandler(r, "txqueued")
}

type txView struct {
	Hash      string    `json:"hash"`
	Chain     string    `json:"chain"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Nonce     uint64    `json:"nonce"`
	GasPrice  string    `json:"gas_price"`
	Status    string    `json:"status"`
	Block     *uint64   `json:"block,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	Error     string    `json:"error,omitempty"`
}

func viewOf(record *models.Otx) txView {
	return txView{
		Hash:      record.TxHash,
		Chain:     record.ChainID,
		Sender:    record.Sender,
		Recipient: record.Recipient,
		Nonce:     record.Nonce,
		GasPrice:  record.GasPrice,
		Status:    record.State().String(),
		Block:     record.Block,
		Created:   record.DateCreated,
		Updated:   record.DateUpdated,
	}
}

func viewsOf(records []models.Otx) []txView {
	out := make([]txView, 0, len(records))
	for i := range records {
		out = append(out, viewOf(&records[i]))
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Health(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Raw string `json:"raw"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	raw, err := hexutil.Decode(strings.TrimSpace(req.Raw))
	if err != nil {
		http.Error(w, "raw must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	record, err := s.cfg.Submitter.Submit(r.Context(), raw)
	if err != nil && record == nil {
		s.writeError(w, err)
		return
	}
	s.writeRecord(w, record, err)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{Chain: s.cfg.Spec.String(), Sender: q.Get("sender"), Recipient: q.Get("recipient"), Limit: 100}
	if raw := q.Get("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := status.Parse(strings.ToUpper(strings.TrimSpace(name)))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.States = append(f.States, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}
	if !s.readable(w, r, lock.ForAddress(f.Chain, f.Sender)) {
		return
	}
	records, err := s.cfg.Store.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewsOf(records))
}

// readable answers 423 and returns false when QUERY is held on scope or on
// any scope above it.
func (s *Server) readable(w http.ResponseWriter, r *http.Request, scope lock.Scope) bool {
	held, err := s.cfg.Locks.CheckAggregate(r.Context(), scope, lock.Query)
	if err != nil {
		s.writeError(w, err)
		return false
	}
	if held != 0 {
		s.writeError(w, fmt.Errorf("%w: %s held on %s", txerr.ErrLocked, held, scope))
		return false
	}
	return true
}

// readableRecord loads the record named in the path and checks QUERY on it.
func (s *Server) readableRecord(w http.ResponseWriter, r *http.Request) (*models.Otx, bool) {
	record, err := s.cfg.Store.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if !s.readable(w, r, lock.ForTx(record.ChainID, record.Sender, record.TxHash)) {
		return nil, false
	}
	return record, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, ok := s.readableRecord(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(record))
}

type logEntry struct {
	Status string    `json:"status"`
	Date   time.Time `json:"date"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	record, ok := s.readableRecord(w, r)
	if !ok {
		return
	}
	entries, err := s.cfg.Store.StatusLog(r.Context(), record.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntry{Status: e.State().String(), Date: e.Date})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	record, err := s.cfg.Resolver.ResendWithHigherGas(r.Context(), chi.URLParam(r, "hash"))
	if err != nil && record == nil {
		s.writeError(w, err)
		return
	}
	s.writeRecord(w, record, err)
}

type shiftResponse struct {
	Overridden string   `json:"overridden"`
	Obsoleted  []string `json:"obsoleted"`
	NextNonce  *uint64  `json:"next_nonce,omitempty"`
}

func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Resolver.ShiftNonce(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	obsoleted := res.Obsoleted
	if obsoleted == nil {
		obsoleted = []string{}
	}
	s.writeJSON(w, http.StatusOK, shiftResponse{Overridden: res.Overridden, Obsoleted: obsoleted, NextNonce: res.NextNonce})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	record, err := s.cfg.Syncer.Sync(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(record))
}

type stragglerResponse struct {
	Dropped    []txView `json:"dropped"`
	Superseded []txView `json:"superseded"`
}

func (s *Server) handleStragglers(w http.ResponseWriter, r *http.Request) {
	findings, err := s.cfg.Detector.Stalled(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stragglerResponse{Dropped: viewsOf(findings.Dropped), Superseded: viewsOf(findings.Superseded)})
}

type reserveRequest struct {
	Address string  `json:"address"`
	Key     string  `json:"key"`
	Default *uint64 `json:"default,omitempty"`
}

type reservationView struct {
	Key     string    `json:"key"`
	Address string    `json:"address"`
	Nonce   uint64    `json:"nonce"`
	Created time.Time `json:"created,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		http.Error(w, "address must be hex", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		req.Key = uuid.NewString()
	}
	var (
		n   uint64
		err error
	)
	if req.Default != nil {
		n, err = s.cfg.Ledger.ReserveOrInit(r.Context(), req.Address, req.Key, *req.Default)
	} else {
		n, err = s.cfg.Ledger.Reserve(r.Context(), req.Address, req.Key)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, reservationView{Key: req.Key, Address: models.NormalizeHex(req.Address), Nonce: n})
}

type releaseRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	res, err := s.cfg.Ledger.Release(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reservationView{Key: res.Key, Address: res.Address, Nonce: res.Nonce, Created: res.Created})
}

type nonceView struct {
	Address      string            `json:"address"`
	Next         uint64            `json:"next"`
	Initialised  bool              `json:"initialised"`
	Reservations []reservationView `json:"reservations"`
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !s.readable(w, r, lock.ForAddress(s.cfg.Spec.String(), address)) {
		return
	}
	next, found, err := s.cfg.Ledger.Peek(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	held, err := s.cfg.Ledger.Reservations(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := nonceView{Address: models.NormalizeHex(address), Next: next, Initialised: found, Reservations: []reservationView{}}
	for _, res := range held {
		view.Reservations = append(view.Reservations, reservationView{Key: res.Key, Address: res.Address, Nonce: res.Nonce, Created: res.Created})
	}
	s.writeJSON(w, http.StatusOK, view)
}

type initNonceRequest struct {
	Start uint64 `json:"start"`
}

func (s *Server) handleInitNonce(w http.ResponseWriter, r *http.Request) {
	var req initNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Ledger.Init(r.Context(), chi.URLParam(r, "address"), req.Start); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lockRequest struct {
	Address string `json:"address"`
	TxHash  string `json:"tx_hash"`
	Flags   string `json:"flags"`
	Force   bool   `json:"force"`
}

type lockView struct {
	Scope string `json:"scope"`
	Flags string `json:"flags"`
	Value uint64 `json:"value"`
}

func (s *Server) scope(address, txHash string) lock.Scope {
	return lock.Scope{Chain: s.cfg.Spec.String(), Address: address, TxHash: txHash}
}

func (s *Server) handleLockCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := s.scope(q.Get("address"), q.Get("tx_hash"))
	check := s.cfg.Locks.Check
	if q.Get("aggregate") == "true" {
		check = s.cfg.Locks.CheckAggregate
	}
	flags, err := check(r.Context(), scope, lock.All|lock.Sticky)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lockView{Scope: scope.String(), Flags: flags.String(), Value: uint64(flags)})
}

func (s *Server) decodeLock(w http.ResponseWriter, r *http.Request) (lockRequest, lock.Flags, bool) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return req, 0, false
	}
	flags, err := lock.ParseFlags(req.Flags)
	if err != nil || flags == 0 {
		http.Error(w, "flags must name at least one known flag", http.StatusBadRequest)
		return req, 0, false
	}
	return req, flags, true
}

func (s *Server) handleLockSet(w http.ResponseWriter, r *http.Request) {
	req, flags, ok := s.decodeLock(w, r)
	if !ok {
		return
	}
	scope := s.scope(req.Address, req.TxHash)
	result, err := s.cfg.Locks.Set(r.Context(), scope, flags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lockView{Scope: scope.String(), Flags: result.String(), Value: uint64(result)})
}

func (s *Server) handleLockReset(w http.ResponseWriter, r *http.Request) {
	req, flags, ok := s.decodeLock(w, r)
	if !ok {
		return
	}
	var opts []lock.ResetOption
	if req.Force {
		opts = append(opts, lock.Force())
	}
	scope := s.scope(req.Address, req.TxHash)
	result, err := s.cfg.Locks.Reset(r.Context(), scope, flags, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lockView{Scope: scope.String(), Flags: result.String(), Value: uint64(result)})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Roles.All(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]string, len(all))
	for tag, addr := range all {
		out[tag] = chain.AddressKey(addr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type roleRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleRoleSet(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		http.Error(w, "address must be hex", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Roles.Set(r.Context(), chi.URLParam(r, "tag"), common.HexToAddress(req.Address)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRecord answers a submission that produced a record. A transient
// failure leaves the record to the background flush and answers 202; any
// other error keeps its own status code and is reported next to the record.
func (s *Server) writeRecord(w http.ResponseWriter, record *models.Otx, err error) {
	view := viewOf(record)
	code := http.StatusCreated
	if err != nil {
		view.Error = err.Error()
		code = statusFor(err)
		if txerr.IsTransient(err) {
			code = http.StatusAccepted
		}
	}
	s.writeJSON(w, code, view)
}

// statusFor maps queue error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, txerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, txerr.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, txerr.ErrIntegrity), errors.Is(err, txerr.ErrStateChange):
		return http.StatusConflict
	case errors.Is(err, txerr.ErrInitialization), errors.Is(err, nonce.ErrKeyRequired), errors.Is(err, nonce.ErrAddressRequired):
		return http.StatusBadRequest
	case errors.Is(err, txerr.ErrRoleMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, txerr.ErrPermanent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, txerr.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
