package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/jobs"
)

// AccountResponse is the API response for an account. Credentials are
// only available through the export endpoint.
type AccountResponse struct {
	ID          string     `json:"id"`
	Identifier  string     `json:"identifier"`
	Status      string     `json:"status"`
	Source      string     `json:"source,omitempty"`
	CountryCode string     `json:"country_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// JobResponse is the API response for a job
type JobResponse struct {
	Kind        domain.JobKind    `json:"kind"`
	Phase       domain.Phase      `json:"phase"`
	Target      int               `json:"target"`
	Completed   int               `json:"completed"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	SuccessRate int               `json:"success_rate"`
	Summary     string            `json:"summary"`
	Done        bool              `json:"done"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Log         []domain.LogEntry `json:"log,omitempty"`
	Allocation  []jobs.Allocation `json:"allocation,omitempty"`
}

// ProgressEvent is the payload of progress events
type ProgressEvent struct {
	Kind        domain.JobKind `json:"kind"`
	Completed   int            `json:"completed"`
	Target      int            `json:"target"`
	Succeeded   int            `json:"succeeded"`
	SuccessRate int            `json:"success_rate"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Accounts entitystore.Stats `json:"accounts"`
	Busy     bool              `json:"busy"`
	Job      *JobResponse      `json:"job,omitempty"`
}

type provisionRequest struct {
	Count        int  `json:"count"`
	DelaySeconds *int `json:"delay_seconds,omitempty"`
}

type joinRequest struct {
	Targets      []string `json:"targets"`
	DelaySeconds *int     `json:"delay_seconds,omitempty"`
}

func accountToResponse(e *domain.Entity) AccountResponse {
	return AccountResponse{
		ID:          e.ID,
		Identifier:  e.Identifier,
		Status:      string(e.Status),
		Source:      e.SourceLabel,
		CountryCode: e.CountryCode,
		CreatedAt:   e.CreatedAt,
		LastUsedAt:  e.LastUsedAt,
	}
}

func jobToResponse(h *jobs.Handle) JobResponse {
	st := h.CurrentState()
	return JobResponse{
		Kind:        h.Kind(),
		Phase:       st.Phase,
		Target:      st.TargetCount,
		Completed:   st.CompletedCount,
		Succeeded:   st.SucceededCount,
		Failed:      st.FailedCount,
		SuccessRate: st.SuccessRate(),
		Summary:     st.Summary(),
		Done:        h.Finished(),
		StartedAt:   st.StartedAt,
		FinishedAt:  st.FinishedAt,
		Log:         st.Log,
		Allocation:  h.Allocation(),
	}
}

func (s *Server) accountsFor(r *http.Request) ([]*domain.Entity, error) {
	status := domain.EntityStatus(r.URL.Query().Get("status"))
	if status == "" {
		return s.orch.Store().All(), nil
	}
	if !status.Valid() {
		return nil, errors.Newf("unknown status %q", status)
	}
	return s.orch.Store().Filter(entitystore.ByStatus(status)), nil
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Accounts: s.orch.Store().Stats(time.Now()),
			Busy:     s.orch.Busy(),
		}
		if h := s.orch.Current(); h != nil {
			job := jobToResponse(h)
			job.Log = nil
			resp.Job = &job
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) listAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entities, err := s.accountsFor(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp := make([]AccountResponse, len(entities))
		for i, e := range entities {
			resp[i] = accountToResponse(e)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) exportAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entities, err := s.accountsFor(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="accounts.txt"`)
		_, _ = w.Write([]byte(entitystore.ExportText(entities)))
	}
}

func (s *Server) currentJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.orch.Current()
		if h == nil {
			writeError(w, http.StatusNotFound, "no job has been started")
			return
		}
		writeJSON(w, http.StatusOK, jobToResponse(h))
	}
}

func (s *Server) startProvisionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provisionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Count == 0 {
			req.Count = s.opts.ProvisionCount
		}
		delay := delayOr(req.DelaySeconds, s.opts.ProvisionDelay)

		h, err := s.orch.StartProvisioning(s.baseCtx, req.Count, s.opts.Provision, delay)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, jobToResponse(h))
	}
}

func (s *Server) startJoinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		delay := delayOr(req.DelaySeconds, s.opts.JoinDelay)

		h, err := s.orch.StartJoining(s.baseCtx, req.Targets, delay)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, jobToResponse(h))
	}
}

func (s *Server) stopJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.Stop(); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, jobToResponse(s.orch.Current()))
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

func delayOr(seconds *int, fallback time.Duration) time.Duration {
	if seconds == nil {
		return fallback
	}
	return time.Duration(*seconds) * time.Second
}
