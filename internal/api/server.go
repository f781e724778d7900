// Package api exposes the vault entry points over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"yield-vault/internal/adapter"
	"yield-vault/internal/domain"
	"yield-vault/internal/storage"
	"yield-vault/internal/vault"
)

// maxBodyBytes bounds request bodies; the largest is an initialize with
// a full project set.
const maxBodyBytes = 64 << 10

// ReserveLookup returns the protocol accounts clients should pass for mint.
type ReserveLookup func(mint domain.Address) (adapter.RemoteAccounts, bool)

// Server routes HTTP requests to a vault controller.
type Server struct {
	ctrl     *vault.Controller
	events   storage.VaultEventStore
	reserves ReserveLookup
	ledger   storage.Ledger
	faucet   storage.Faucet
	logger   *log.Logger
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithEventStore enables GET /vaults/{owner}/{id}/events.
func WithEventStore(store storage.VaultEventStore) Option {
	return func(s *Server) {
		s.events = store
	}
}

// WithReserves enables GET /reserves/{mint}.
func WithReserves(lookup ReserveLookup) Option {
	return func(s *Server) {
		s.reserves = lookup
	}
}

// WithDevFaucet enables the /dev routes that fund wallets and token
// accounts. Never enable it against a shared ledger.
func WithDevFaucet(ledger storage.Ledger, faucet storage.Faucet) Option {
	return func(s *Server) {
		s.ledger = ledger
		s.faucet = faucet
	}
}

// NewServer creates a server for ctrl.
func NewServer(ctrl *vault.Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)

	r.Route("/vaults", func(r chi.Router) {
		r.Use(Signer)
		r.Post("/", s.initialize)
		r.Route("/{owner}/{id}", func(r chi.Router) {
			r.Get("/", s.get)
			r.Post("/deposit", s.deposit)
			r.Post("/withdraw", s.withdraw)
			if s.events != nil {
				r.Get("/events", s.listEvents)
			}
		})
	})

	if s.reserves != nil {
		r.Get("/reserves/{mint}", s.getReserve)
	}
	if s.faucet != nil {
		r.Route("/dev", func(r chi.Router) {
			r.Post("/airdrop", s.airdrop)
			r.Post("/token-accounts", s.createTokenAccount)
		})
	}
	return r
}

type initializeRequest struct {
	VaultID       uint64           `json:"vault_id"`
	Protocol      domain.Protocol  `json:"protocol"`
	Interval      domain.Interval  `json:"interval"`
	InitialAmount uint64           `json:"initial_amount"`
	Projects      []domain.Address `json:"projects"`
	Mint          domain.Address   `json:"mint"`
}

type transferRequest struct {
	ProjectID    domain.Address    `json:"project_id"`
	Amount       uint64            `json:"amount"`
	TokenAccount domain.Address    `json:"token_account"`
	Accounts     map[string]string `json:"accounts"`
}

type vaultResponse struct {
	Address       domain.Address   `json:"address"`
	Owner         domain.Address   `json:"owner"`
	VaultID       uint64           `json:"vault_id"`
	Protocol      domain.Protocol  `json:"protocol"`
	Interval      domain.Interval  `json:"interval"`
	InitialAmount uint64           `json:"initial_amount"`
	Projects      []domain.Address `json:"projects"`
	Mint          domain.Address   `json:"mint"`
	Bump          uint8            `json:"bump"`
}

type eventResponse struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	ProjectID  string `json:"project_id,omitempty"`
	Amount     uint64 `json:"amount"`
	OccurredAt int64  `json:"occurred_at"`
	Seq        uint64 `json:"seq"`
}

type withdrawResponse struct {
	Closed   bool   `json:"closed"`
	Refunded uint64 `json:"refunded_lamports"`
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !s.decode(w, r, &req) {
		return
	}

	signer := SignerFromContext(r.Context())
	rec, err := s.ctrl.Initialize(r.Context(), vault.InitializeParams{
		Owner:         signer,
		VaultID:       req.VaultID,
		Protocol:      req.Protocol,
		Interval:      req.Interval,
		InitialAmount: req.InitialAmount,
		Projects:      req.Projects,
		Mint:          req.Mint,
	})
	if err != nil {
		s.fail(w, "initialize", err)
		return
	}
	s.writeVault(w, http.StatusCreated, signer.Key, rec)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	owner, vaultID, ok := vaultPath(w, r)
	if !ok {
		return
	}
	rec, err := s.ctrl.Get(r.Context(), owner, vaultID)
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	s.writeVault(w, http.StatusOK, owner, rec)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.transferParams(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Deposit(r.Context(), p); err != nil {
		s.fail(w, "deposit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	p, ok := s.transferParams(w, r)
	if !ok {
		return
	}
	res, err := s.ctrl.Withdraw(r.Context(), vault.WithdrawParams(p))
	if err != nil {
		s.fail(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Closed: res.Closed, Refunded: res.Refunded})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	owner, vaultID, ok := vaultPath(w, r)
	if !ok {
		return
	}
	addr, err := s.ctrl.Address(owner, vaultID)
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	events, err := s.events.GetByVault(r.Context(), addr.String())
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			EventID:    e.EventID,
			Kind:       e.Kind.String(),
			ProjectID:  e.ProjectID,
			Amount:     e.Amount,
			OccurredAt: e.OccurredAt,
			Seq:        e.Seq,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getReserve(w http.ResponseWriter, r *http.Request) {
	mint, err := domain.ParseAddress(chi.URLParam(r, "mint"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mint", "")
		return
	}
	accounts, ok := s.reserves(mint)
	if !ok {
		writeError(w, http.StatusNotFound, "no reserve for mint", "")
		return
	}
	out := make(map[string]domain.Address, len(accounts))
	for name, acct := range accounts {
		out[name] = acct.ForwardUnchecked()
	}
	writeJSON(w, http.StatusOK, out)
}

// transferParams builds deposit/withdraw inputs from the path, signer and body.
func (s *Server) transferParams(w http.ResponseWriter, r *http.Request) (vault.DepositParams, bool) {
	owner, vaultID, ok := vaultPath(w, r)
	if !ok {
		return vault.DepositParams{}, false
	}
	var req transferRequest
	if !s.decode(w, r, &req) {
		return vault.DepositParams{}, false
	}
	accounts, err := adapter.ParseRemoteAccounts(req.Accounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return vault.DepositParams{}, false
	}

	return vault.DepositParams{
		Payer:        SignerFromContext(r.Context()),
		Owner:        owner,
		VaultID:      vaultID,
		ProjectID:    req.ProjectID,
		Amount:       req.Amount,
		TokenAccount: req.TokenAccount,
		Accounts:     accounts,
	}, true
}

func vaultPath(w http.ResponseWriter, r *http.Request) (domain.Address, uint64, bool) {
	owner, err := domain.ParseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner address", "")
		return domain.Address{}, 0, false
	}
	vaultID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vault id", "")
		return domain.Address{}, 0, false
	}
	return owner, vaultID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Printf("%s failed: %v", op, err)
		writeError(w, code, "internal error", "")
		return
	}
	writeError(w, code, err.Error(), string(vault.KindOf(err)))
}

func (s *Server) writeVault(w http.ResponseWriter, code int, owner domain.Address, rec *vault.Record) {
	addr, err := s.ctrl.Address(owner, rec.VaultID)
	if err != nil {
		s.fail(w, "address", err)
		return
	}
	writeJSON(w, code, vaultResponse{
		Address:       addr,
		Owner:         owner,
		VaultID:       rec.VaultID,
		Protocol:      rec.Protocol,
		Interval:      rec.Interval,
		InitialAmount: rec.InitialAmount,
		Projects:      rec.Projects,
		Mint:          rec.Mint,
		Bump:          rec.Bump,
	})
}

type airdropRequest struct {
	Address  domain.Address `json:"address"`
	Lamports uint64         `json:"lamports"`
}

type tokenAccountRequest struct {
	Address domain.Address `json:"address"`
	Mint    domain.Address `json:"mint"`
	Owner   domain.Address `json:"owner"`
	Amount  uint64         `json:"amount"`
}

func (s *Server) airdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.faucet.Airdrop(r.Context(), req.Address, req.Lamports); err != nil {
		s.failStorage(w, "airdrop", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createTokenAccount(w http.ResponseWriter, r *http.Request) {
	var req tokenAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.ledger.Atomic(r.Context(), func(tx storage.Tx) error {
		return tx.CreateTokenAccount(r.Context(), &domain.TokenAccount{
			Address: req.Address,
			Mint:    req.Mint,
			Owner:   req.Owner,
		})
	})
	if err == nil && req.Amount > 0 {
		err = s.faucet.MintTo(r.Context(), req.Address, req.Amount)
	}
	if err != nil {
		s.failStorage(w, "create token account", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) failStorage(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, storage.ErrOverflow):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	default:
		s.logger.Printf("%s failed: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}
