package httpapi

import (
	"net/http"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/pkg/schema"
)

// poolReporter is implemented by *engine.Engine.
type poolReporter interface {
	PoolMetrics() engine.PoolMetrics
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if p, ok := s.deps.Sessions.(poolReporter); ok {
		body["pool"] = p.PoolMetrics()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workflows": []any{}})
		return
	}
	defs, err := s.deps.Catalog.ListWorkflows(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	type summary struct {
		ID          string               `json:"id"`
		Name        string               `json:"name,omitempty"`
		Version     string               `json:"version,omitempty"`
		Description string               `json:"description,omitempty"`
		Execution   schema.ExecutionMode `json:"execution,omitempty"`
		Nodes       int                  `json:"nodes"`
	}
	out := make([]summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summary{
			ID: d.ID, Name: d.Name, Version: d.Version, Description: d.Description,
			Execution: d.Execution, Nodes: len(d.Nodes),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req engine.ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	state, err := s.deps.Sessions.Execute(r.Context(), req)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.deps.Sessions.GetState(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "session "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resumeRequest struct {
	Answer any `json:"answer"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var opts []engine.ResumeOption
	if req.Answer != nil {
		opts = append(opts, engine.WithAnswer(req.Answer))
	}
	state, err := s.deps.Sessions.Resume(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Sessions.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.ListEvents(r.Context(), r.PathValue("id"), querySince(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type completedRequest struct {
	Data map[string]any `json:"data"`
}

func (s *Server) handleBridgeStarted(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		writeError(w, http.StatusNotFound, "bridge is not enabled")
		return
	}
	if err := s.deps.Bridge.OnStarted(r.Context(), r.PathValue("id"), bearerToken(r)); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBridgeCompleted(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		writeError(w, http.StatusNotFound, "bridge is not enabled")
		return
	}
	var req completedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Bridge.OnCompleted(r.Context(), r.PathValue("id"), bearerToken(r), req.Data); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
