package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/aristath/goldenrecord/internal/orchestrator"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

const maxBodyBytes = 16 << 20

// TaskService is the orchestration surface served over HTTP.
type TaskService interface {
	CreateTasks(ctx context.Context, mode task.Mode, payloads []json.RawMessage) ([]*task.Task, error)
	SearchStates(ctx context.Context, ids []string) ([]*task.Task, error)
	ReserveForStep(ctx context.Context, step task.Step, amount int) ([]orchestrator.ReservedTask, error)
	ResolveResults(ctx context.Context, step task.Step, results []task.Resolution) ([]orchestrator.EntryFailure, error)
	Stats(ctx context.Context) ([]persistence.StateCount, error)
}

// Limits bound the size of a single request.
type Limits struct {
	MaxBatchSize   int // create, search and resolve entries
	MaxReservation int // reservation amount
}

// Server exposes a TaskService as JSON over HTTP.
type Server struct {
	svc    TaskService
	limits Limits
}

func NewServer(svc TaskService, limits Limits) *Server {
	return &Server{svc: svc, limits: limits}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST "+BasePath, s.handleCreate)
	mux.HandleFunc("POST "+BasePath+"/state/search", s.handleSearch)
	mux.HandleFunc("POST "+BasePath+"/step-reservations", s.handleReserve)
	mux.HandleFunc("POST "+BasePath+"/step-results", s.handleResolve)
	mux.HandleFunc("GET "+BasePath+"/stats", s.handleStats)
	return withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTasksRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.checkBatch(w, len(req.BusinessPartners)) {
		return
	}

	created, err := s.svc.CreateTasks(r.Context(), req.Mode, req.BusinessPartners)
	if errors.Is(err, task.ErrUnknownMode) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		serverError(w, err)
		return
	}

	resp := CreateTasksResponse{CreatedTasks: make([]CreatedTask, len(created))}
	for i, t := range created {
		resp.CreatedTasks[i] = CreatedTask{TaskID: t.ID, ProcessingState: t.State}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchStatesRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.checkBatch(w, len(req.TaskIDs)) {
		return
	}

	found, err := s.svc.SearchStates(r.Context(), req.TaskIDs)
	if err != nil {
		serverError(w, err)
		return
	}

	resp := SearchStatesResponse{Tasks: make([]TaskState, len(found))}
	for i, t := range found {
		resp.Tasks[i] = TaskState{TaskID: t.ID, ProcessingState: t.State}
		if t.State.ResultState == task.ResultSuccess {
			resp.Tasks[i].BusinessPartnerResult = t.Payload
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}
	if s.limits.MaxReservation > 0 && req.Amount > s.limits.MaxReservation {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("amount %d exceeds the limit of %d", req.Amount, s.limits.MaxReservation))
		return
	}

	reserved, err := s.svc.ReserveForStep(r.Context(), req.Step, req.Amount)
	if err != nil {
		serverError(w, err)
		return
	}

	resp := ReserveResponse{ReservedTasks: make([]ReservedTask, len(reserved))}
	for i, t := range reserved {
		resp.ReservedTasks[i] = ReservedTask{TaskID: t.ID, BusinessPartner: t.Payload, Timeout: t.PendingDeadline}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.checkBatch(w, len(req.Results)) {
		return
	}

	results := make([]task.Resolution, len(req.Results))
	for i, res := range req.Results {
		results[i] = task.Resolution{TaskID: res.TaskID, Errors: res.Errors, Payload: res.BusinessPartner}
	}

	failures, err := s.svc.ResolveResults(r.Context(), req.Step, results)
	if err != nil {
		serverError(w, err)
		return
	}
	if len(failures) > 0 {
		body := ErrorResponse{
			Error:    fmt.Sprintf("%d of %d results were rejected", len(failures), len(results)),
			Failures: make([]Failure, len(failures)),
		}
		for i, f := range failures {
			body.Failures[i] = Failure{TaskID: f.TaskID, Error: f.Err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Counts: counts})
}

func (s *Server) checkBatch(w http.ResponseWriter, n int) bool {
	if s.limits.MaxBatchSize > 0 && n > s.limits.MaxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch of %d exceeds the limit of %d", n, s.limits.MaxBatchSize))
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func serverError(w http.ResponseWriter, err error) {
	log.Printf("ERROR: %v", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("%s %s %d", r.Method, r.URL.Path, sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
