package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"enviador/internal/dispatch"
	"enviador/internal/jobs"
	logx "enviador/pkg/logx"
)

const ownerHeader = "X-Owner"

func owner(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get(ownerHeader)); o != "" {
		return o
	}
	return "anonymous"
}

// submitJob handles POST /api/v1/jobs.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	req, err := decodeRequest(w, r, cfg.MaxBodyBytes, cfg.DefaultLanguage)
	if err != nil {
		s.requestFailed(w, r, err)
		return
	}
	who := owner(r)
	id, err := s.deps.Jobs.Submit(req, who)
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		s.audit(r.Context(), Audit{Owner: who, Action: "job.rejected", JobID: id, Channel: string(req.Channel), Error: err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "job queue is full, try again later", "job_id": id})
		return
	case errors.Is(err, jobs.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	case err != nil:
		s.log.Error("submit failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not start job")
		return
	}
	s.audit(r.Context(), Audit{Owner: who, Action: "job.submit", JobID: id, Channel: string(req.Channel), Total: len(req.Rows)})
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": "started"})
}

// getJob handles GET /api/v1/jobs/{id}. Jobs no longer in memory are read
// from the archive when one is configured.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.deps.Jobs.Store().Get(id)
	if !ok {
		j, ok = s.archived(r.Context(), id)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	j.Items = j.Recent(s.config().PollItems)
	if j.Items == nil {
		j.Items = []jobs.Item{}
	}
	writeJSON(w, http.StatusOK, j)
}

// cancelJob handles POST /api/v1/jobs/{id}/cancel. Canceling is idempotent
// and a no-op on finished jobs.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Jobs.Store().RequestCancel(id) {
		if _, ok := s.archived(r.Context(), id); !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
	}
	s.audit(r.Context(), Audit{Owner: owner(r), Action: "job.cancel", JobID: id})
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": "canceled"})
}

type sendSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type sendResponse struct {
	Status   string             `json:"status"`
	Previews []dispatch.Preview `json:"previews"`
	Summary  sendSummary        `json:"summary"`
	Canceled bool               `json:"canceled,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// send handles POST /api/v1/send: a synchronous dispatch bound to the
// request context.
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	req, err := decodeRequest(w, r, cfg.MaxBodyBytes, cfg.DefaultLanguage)
	if err != nil {
		s.requestFailed(w, r, err)
		return
	}
	who := owner(r)
	start := time.Now()
	sum, err := s.deps.Dispatcher.Send(r.Context(), req, dispatch.Hooks{})
	if err != nil && dispatch.IsRequestError(err) {
		s.requestFailed(w, r, err)
		return
	}

	resp := sendResponse{
		Status:   "completed",
		Previews: sum.Previews,
		Summary:  sendSummary{Total: sum.Result.Total, Success: sum.Result.Success, Failed: sum.Result.Failed},
		Canceled: sum.Result.Canceled,
	}
	if resp.Previews == nil {
		resp.Previews = []dispatch.Preview{}
	}
	status := http.StatusOK
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	s.audit(r.Context(), Audit{
		Owner: who, Action: "send", Channel: string(req.Channel),
		Total: sum.Result.Total, OK: sum.Result.Success, Fail: sum.Result.Failed,
		Error: resp.Error, Took: time.Since(start),
	})
	writeJSON(w, status, resp)
}

// preview handles POST /api/v1/preview.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	req, err := decodeRequest(w, r, cfg.MaxBodyBytes, cfg.DefaultLanguage)
	if err != nil {
		s.requestFailed(w, r, err)
		return
	}
	previews, err := s.deps.Dispatcher.Preview(req, cfg.PreviewSize)
	if err != nil {
		s.requestFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"previews": previews})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Jobs.Stats()
	counts := s.deps.Jobs.Store().Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workers":   st.Workers,
		"running":   st.Running,
		"queue_len": st.QueueLen,
		"queue_cap": st.QueueCap,
		"jobs":      counts,
	})
}

func (s *Server) requestFailed(w http.ResponseWriter, r *http.Request, err error) {
	if status, ok := requestStatus(err); ok {
		s.log.Debug("request rejected", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, status, err.Error())
		return
	}
	s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) archived(ctx context.Context, id string) (jobs.Job, bool) {
	if s.deps.Archive == nil {
		return jobs.Job{}, false
	}
	j, ok, err := s.deps.Archive.LoadJob(ctx, id)
	if err != nil {
		s.log.Warn("archive lookup failed", logx.Job(id), logx.Err(err))
		return jobs.Job{}, false
	}
	return j, ok
}

func (s *Server) audit(ctx context.Context, a Audit) {
	if s.deps.Audit == nil {
		return
	}
	a.At = time.Now()
	s.deps.Audit(context.WithoutCancel(ctx), a)
}
