package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cowork-dev/cowork/internal/persistence"
	"github.com/cowork-dev/cowork/internal/sharing"
	"github.com/cowork-dev/cowork/pkg/types"
)

// listSessions handles GET /session, listing every snapshot saved to disk
// (spec.md §4.5), sorted by updated_at descending. A session that only
// exists live and has never been saved does not appear here.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.persist.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// sessionView is the wire shape for GET /session/{id}: a live session
// reports its current FSM state, otherwise its last persisted snapshot.
type sessionView struct {
	ID       string                `json:"id"`
	Live     bool                  `json:"live"`
	State    string                `json:"state,omitempty"`
	Snapshot *persistence.Snapshot `json:"snapshot,omitempty"`
}

// getSession handles GET /session/{sessionID}.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if sess, ok := s.manager.Session(sessionID); ok {
		writeJSON(w, http.StatusOK, sessionView{ID: sessionID, Live: true, State: string(sess.State())})
		return
	}

	snap, err := s.persist.Load(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionView{ID: sessionID, Snapshot: snap})
}

// pushMessage handles POST /session/{sessionID}/message, lazily creating
// the session on first input per spec.md §4.4.
func (s *Server) pushMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	in := types.SessionInput{Kind: types.InputUserMessage, Text: body.Text}
	if err := s.manager.PushMessage(sessionID, in); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// approveTool handles POST /session/{sessionID}/approve.
func (s *Server) approveTool(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		CallID        string `json:"callID"`
		SessionScoped bool   `json:"sessionScoped"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	in := types.SessionInput{Kind: types.InputApproveTool, CallID: body.CallID, SessionScoped: body.SessionScoped}
	if err := s.manager.PushMessage(sessionID, in); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// rejectTool handles POST /session/{sessionID}/reject.
func (s *Server) rejectTool(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		CallID string `json:"callID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	in := types.SessionInput{Kind: types.InputRejectTool, CallID: body.CallID}
	if err := s.manager.PushMessage(sessionID, in); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// answerQuestion handles POST /session/{sessionID}/answer.
func (s *Server) answerQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		RequestID string            `json:"requestID"`
		Answers   map[string]string `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	in := types.SessionInput{Kind: types.InputAnswer, RequestID: body.RequestID, Answers: body.Answers}
	if err := s.manager.PushMessage(sessionID, in); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// stopSession handles POST /session/{sessionID}/stop: a soft stop that lets
// the loop finish its current step and emit Stopped, without removing the
// session from the manager. terminateSession additionally removes it.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	in := types.SessionInput{Kind: types.InputStop}
	if err := s.manager.PushMessage(sessionID, in); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// terminateSession handles DELETE /session/{sessionID} (spec.md §4.4's
// terminate): stops the session and removes it from the manager once it
// confirms StateStopped.
func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.manager.Terminate(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

// shareSession handles POST /session/{sessionID}/share.
func (s *Server) shareSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var opts sharing.ShareOptions
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&opts)
	}

	info, err := s.sharing.Share(sessionID, &opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// unshareSession handles DELETE /session/{sessionID}/share.
func (s *Server) unshareSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.sharing.Unshare(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

// getSharedTranscript handles GET /share/{token}: a public, unauthenticated
// read of a shared session's persisted transcript.
func (s *Server) getSharedTranscript(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	info, err := s.sharing.GetByToken(token)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}

	snap, err := s.persist.Load(r.Context(), info.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "transcript not found")
		return
	}

	_ = s.sharing.RecordView(token)
	writeJSON(w, http.StatusOK, snap)
}
