package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-dev/cowork/internal/manager"
	"github.com/cowork-dev/cowork/internal/persistence"
	"github.com/cowork-dev/cowork/internal/provider"
	"github.com/cowork-dev/cowork/internal/session"
	"github.com/cowork-dev/cowork/internal/sharing"
	"github.com/cowork-dev/cowork/pkg/types"
)

// fakeProvider never actually streams a completion; these tests only drive
// sessions through Stop, which never reaches CreateCompletion.
type fakeProvider struct{}

func (fakeProvider) ID() string                            { return "fake" }
func (fakeProvider) Name() string                          { return "Fake" }
func (fakeProvider) Models() []types.Model                 { return nil }
func (fakeProvider) ChatModel() model.ToolCallingChatModel { return nil }
func (fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	return nil, errors.New("fakeProvider: not implemented")
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	factory := func(sessionID string) (session.Config, error) {
		return session.Config{WorkDir: t.TempDir(), Provider: fakeProvider{}}, nil
	}
	mgr := manager.New(ctx, factory)
	t.Cleanup(mgr.Close)

	persist := persistence.New(t.TempDir())
	shareMgr := sharing.NewManager("")

	return New(DefaultConfig(), mgr, persist, shareMgr, nil)
}

func TestListSessions_EmptyByDefault(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	srv.Router().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var infos []persistence.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
	assert.Empty(t, infos)
}

func TestPushMessage_LazilyCreatesLiveSession(t *testing.T) {
	srv := newTestServer(t)

	body := strings.NewReader(`{"text":"hello"}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/s1/message", body)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/session/s1", nil)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.True(t, view.Live)
}

func TestGetSession_FallsBackToPersistedSnapshot(t *testing.T) {
	srv := newTestServer(t)

	messages, parts := []*types.Message{{ID: "m1", SessionID: "s2", Role: "user"}}, map[string][]types.Part{}
	snap, err := persistence.BuildSnapshot("s2", "Saved", 1000, messages, parts)
	require.NoError(t, err)
	require.NoError(t, srv.persist.Save(context.Background(), snap))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/s2", nil)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.False(t, view.Live)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, "Saved", view.Snapshot.Name)
}

func TestGetSession_UnknownReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/session/missing", nil)
	srv.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTerminateSession_StopsAndRemoves(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/s3/message", strings.NewReader(`{"text":"hi"}`))
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	done := make(chan struct{})
	go func() {
		rr2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodDelete, "/session/s3", nil)
		srv.Router().ServeHTTP(rr2, req2)
		assert.Equal(t, http.StatusOK, rr2.Code)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not complete in time")
	}

	_, ok := srv.manager.Session("s3")
	assert.False(t, ok)
}

func TestShareAndGetSharedTranscript(t *testing.T) {
	srv := newTestServer(t)

	messages, parts := []*types.Message{{ID: "m1", SessionID: "s4", Role: "user"}}, map[string][]types.Part{}
	snap, err := persistence.BuildSnapshot("s4", "Shared", 1000, messages, parts)
	require.NoError(t, err)
	require.NoError(t, srv.persist.Save(context.Background(), snap))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/session/s4/share", strings.NewReader(`{}`))
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var info sharing.ShareInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	require.NotEmpty(t, info.Token)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/share/"+info.Token, nil)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var gotSnap persistence.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &gotSnap))
	assert.Equal(t, "Shared", gotSnap.Name)
}

func TestUnshareSession_RemovesShare(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.sharing.Share("s5", &sharing.ShareOptions{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/session/s5/share", nil)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.False(t, srv.sharing.IsShared("s5"))
}
