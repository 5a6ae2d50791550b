package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/audit"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/wallet"
)

// LedgerService is the slice of the escrow ledger the API consumes.
type LedgerService interface {
	CreateJob(ctx context.Context, params escrow.CreateJobParams) (escrow.Job, error)
	ReleaseInitialPayment(ctx context.Context, callerID string, jobID int64) (escrow.Job, error)
	MarkJobComplete(ctx context.Context, callerID string, jobID int64) (escrow.Job, error)
	ReleaseFinalPayment(ctx context.Context, callerID string, jobID int64) (escrow.Job, error)
	RequestRefund(ctx context.Context, callerID string, jobID int64) (escrow.Job, error)
	GetJob(ctx context.Context, callerID string, jobID int64) (escrow.Job, error)
	ListJobs(ctx context.Context, callerID string) ([]escrow.Job, error)
}

// IdentityService authenticates callers and issues tokens.
type IdentityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, identity.Role, error)
}

// AuditService lists a job's notification feed.
type AuditService interface {
	List(ctx context.Context, callerID string, jobID int64) ([]audit.Entry, error)
}

// WalletService exposes the caller's account.
type WalletService interface {
	GetForUser(ctx context.Context, userID string) (wallet.Account, error)
}

// Server wires the HTTP surface over the domain services.
type Server struct {
	identityService IdentityService
	ledger          LedgerService
	auditService    AuditService
	walletService   WalletService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobDetail)
	mux.HandleFunc("/api/wallet", s.handleWallet)
	return mux
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type jobResponse struct {
	ID             int64  `json:"id"`
	ClientID       string `json:"clientId"`
	ProviderID     string `json:"providerId"`
	TotalPayment   int64  `json:"totalPayment"`
	InitialPayment int64  `json:"initialPayment"`
	FinalPayment   int64  `json:"finalPayment"`
	InitialPaid    bool   `json:"initialPaid"`
	Completed      bool   `json:"completed"`
	FinalPaid      bool   `json:"finalPaid"`
	CreatedAt      string `json:"createdAt"`
}

type eventResponse struct {
	Seq     int             `json:"seq"`
	Type    string          `json:"type"`
	ActorID *string         `json:"actorId,omitempty"`
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts"`
}

type walletResponse struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
}

type createJobRequest struct {
	ProviderID     string `json:"providerId"`
	TotalPayment   int64  `json:"totalPayment"`
	InitialPayment int64  `json:"initialPayment"`
	DepositedValue int64  `json:"depositedValue"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User:  toUserResponse(result.User),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.ledger.CreateJob(r.Context(), escrow.CreateJobParams{
			CallerID:       callerID,
			ProviderID:     req.ProviderID,
			TotalPayment:   req.TotalPayment,
			InitialPayment: req.InitialPayment,
			DepositedValue: req.DepositedValue,
		})
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	case http.MethodGet:
		jobs, err := s.ledger.ListJobs(r.Context(), callerID)
		if err != nil {
			s.internalError(w, "list jobs", err)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, job := range jobs {
			out = append(out, toJobResponse(job))
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}

	jobID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid job id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		job, err := s.ledger.GetJob(r.Context(), callerID, jobID)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleJobEvents(w, r, callerID, jobID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleJobAction(w, r, callerID, jobID, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, callerID string, jobID int64, action string) {
	var (
		job escrow.Job
		err error
	)
	switch action {
	case "release-initial":
		job, err = s.ledger.ReleaseInitialPayment(r.Context(), callerID, jobID)
	case "complete":
		job, err = s.ledger.MarkJobComplete(r.Context(), callerID, jobID)
	case "release-final":
		job, err = s.ledger.ReleaseFinalPayment(r.Context(), callerID, jobID)
	case "refund":
		job, err = s.ledger.RequestRefund(r.Context(), callerID, jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, callerID string, jobID int64) {
	entries, err := s.auditService.List(r.Context(), callerID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, audit.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			s.internalError(w, "list events", err)
		}
		return
	}

	out := make([]eventResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, eventResponse{
			Seq:     e.Seq,
			Type:    e.Type,
			ActorID: e.ActorID,
			Payload: json.RawMessage(e.Payload),
			TS:      e.TS.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	acct, err := s.walletService.GetForUser(r.Context(), callerID)
	if err != nil {
		if errors.Is(err, wallet.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.internalError(w, "wallet", err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{AccountID: acct.ID, Balance: acct.Balance})
}

// authenticate resolves the caller's identity from the bearer token. On
// failure it writes the 401 response and reports false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}

	callerID, _, err := s.identityService.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return callerID, true
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "caller is not the required party")
	case errors.Is(err, escrow.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid amount")
	case errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyCompleted),
		errors.Is(err, escrow.ErrNotCompleted),
		errors.Is(err, escrow.ErrTransferFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, "ledger", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func toUserResponse(user identity.User) userResponse {
	return userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	}
}

func toJobResponse(job escrow.Job) jobResponse {
	return jobResponse{
		ID:             job.ID,
		ClientID:       job.ClientID,
		ProviderID:     job.ProviderID,
		TotalPayment:   job.TotalPayment,
		InitialPayment: job.InitialPayment,
		FinalPayment:   job.FinalPayment(),
		InitialPaid:    job.InitialPaid,
		Completed:      job.Completed,
		FinalPaid:      job.FinalPaid,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
