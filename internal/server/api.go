package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/AICouncil/internal/research"
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

const (
	maxBodyBytes = 1 << 20
	maxWait      = time.Minute
)

var errBadRequest = errors.New("bad request")

type startRequest struct {
	Topic     string   `json:"topic"`
	Providers []string `json:"providers"`
}

type expandRequest struct {
	Topic string `json:"topic"`
	// Suggested expands every further-research suggestion of the node
	// instead of a single topic.
	Suggested bool `json:"suggested"`
}

type approveRequest struct {
	ExpectedStage string `json:"expected_stage"`
}

type feedbackRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	started, err := s.coord.StartResearch(r.Context(), req.Topic, req.Providers)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (s *Server) handleListGuides(w http.ResponseWriter, r *http.Request) {
	guides, err := s.store.ListGuides(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if guides == nil {
		guides = []tree.Guide{}
	}
	writeJSON(w, http.StatusOK, guides)
}

func (s *Server) handleGetGuide(w http.ResponseWriter, r *http.Request) {
	guide, err := s.store.GetGuide(r.Context(), r.PathValue("guide"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guide)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Tree(r.Context(), treeKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleNode returns one node. With ?wait=<duration> it blocks until the node
// is terminal or the wait elapses, then returns the latest snapshot.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, nodeID := treeKey(r), r.PathValue("node")

	raw := r.URL.Query().Get("wait")
	if raw == "" {
		node, err := s.store.GetNode(ctx, key, nodeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
		return
	}

	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		s.writeError(w, fmt.Errorf("%w: invalid wait %q", errBadRequest, raw))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, min(wait, maxWait))
	defer cancel()

	node, err := s.coord.Await(ctx, key, nodeID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, key, nodeID := r.Context(), treeKey(r), r.PathValue("node")

	if req.Suggested {
		ids, err := s.coord.ExpandSuggested(ctx, key, nodeID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"child_node_ids": ids})
		return
	}

	childID, err := s.coord.Expand(ctx, key, nodeID, req.Topic)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"child_node_id": childID})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	nodeID, err := s.coord.Retry(r.Context(), treeKey(r), r.PathValue("node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"node_id": nodeID})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	next, err := s.gate.ApproveString(r.Context(), r.PathValue("guide"), req.ExpectedStage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"next_stage": string(next)})
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	ctx, guideID := r.Context(), r.PathValue("guide")
	if _, err := s.store.GetGuide(ctx, guideID); err != nil {
		s.writeError(w, err)
		return
	}
	recs, err := s.store.ListInteractions(ctx, guideID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []tree.Interaction{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := research.Feedback(r.Context(), s.store, r.PathValue("guide"), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := research.Summarize(r.Context(), s.store)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func treeKey(r *http.Request) tree.Key {
	return tree.Key{GuideID: r.PathValue("guide"), Provider: r.PathValue("provider")}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

// statusCode maps core errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, tree.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrConflict),
		errors.Is(err, tree.ErrParentBusy),
		errors.Is(err, tree.ErrParentFailed),
		errors.Is(err, tree.ErrLiveRoot),
		errors.Is(err, tree.ErrFinalStage),
		errors.Is(err, research.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, research.ErrInvalidTopic),
		errors.Is(err, research.ErrUnknownProvider),
		errors.Is(err, research.ErrNoProviders),
		errors.Is(err, research.ErrEmptyFeedback),
		errors.Is(err, tree.ErrInvalidStage):
		return http.StatusBadRequest
	case errors.Is(err, tree.ErrStoreUnavailable), errors.Is(err, research.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
