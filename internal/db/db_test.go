package db_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/CamberLoid/Satori/internal/db"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t testing.TB) *db.Store {
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newSession(state session.State) *session.Session {
	s := session.New("alice", []byte{1, 2, 3, 4}, "capital of France?", "4821573690", time.Now(), 10*time.Minute)
	s.State = state
	s.Signature = []byte("signature")
	return s
}

func TestPutAndGetSession(t *testing.T) {
	store := newStore(t)
	s := newSession(session.AwaitingClientKeys)
	require.NoError(t, store.PutSession(s))

	got, err := store.GetSession(s.RequestID)
	require.NoError(t, err)
	if diff := deep.Equal(got, s); diff != nil {
		t.Error(diff)
	}
	assert.Equal(t, "4821573690", got.Code)

	assert.Error(t, store.PutSession(s))

	_, err = store.GetSession(uuid.New())
	assert.True(t, errcode.Is(err, errcode.KindNotFound), "got %v", err)
}

func TestCompareAndSetState(t *testing.T) {
	store := newStore(t)
	s := newSession(session.AwaitingClientKeys)
	require.NoError(t, store.PutSession(s))

	require.NoError(t, store.CompareAndSetState(s.RequestID, session.AwaitingClientKeys, session.ComparisonInFlight, ""))

	// 第二次同样的转移失败
	err := store.CompareAndSetState(s.RequestID, session.AwaitingClientKeys, session.ComparisonInFlight, "")
	assert.True(t, errcode.Is(err, errcode.KindInvalidTransition), "got %v", err)

	// 表里不允许的转移直接拒绝
	err = store.CompareAndSetState(s.RequestID, session.ComparisonInFlight, session.Succeeded, "")
	assert.True(t, errcode.Is(err, errcode.KindInvalidTransition), "got %v", err)

	prev := session.ComparisonInFlight
	s.State = prev
	require.NoError(t, s.Transition(session.Cancelled, session.ReasonValueChanged))
	require.NoError(t, store.Apply(s, prev))

	got, err := store.GetSession(s.RequestID)
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, got.State)
	assert.Equal(t, session.ReasonValueChanged, got.Reason)
}

func TestListOpenSessions(t *testing.T) {
	store := newStore(t)
	open := newSession(session.AwaitingClientKeys)
	pending := newSession(session.ChallengePending)
	done := newSession(session.Succeeded)
	for _, s := range []*session.Session{open, pending, done} {
		require.NoError(t, store.PutSession(s))
	}

	list, err := store.ListOpenSessions()
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, s := range list {
		ids[s.RequestID] = true
	}
	assert.Len(t, list, 2)
	assert.True(t, ids[open.RequestID])
	assert.True(t, ids[pending.RequestID])
	assert.False(t, ids[done.RequestID])
}

func TestAudit(t *testing.T) {
	store := newStore(t)
	s := newSession(session.AwaitingClientKeys)
	require.NoError(t, store.PutSession(s))

	first, err := store.PutAudit(s.RequestID, "session received", "")
	require.NoError(t, err)
	second, err := store.PutAudit(s.RequestID, "failed_comparison", session.ReasonMismatch)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	events, err := store.ListAudit(s.RequestID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "session received", events[0].Event)
	assert.Equal(t, session.ReasonMismatch, events[1].Detail)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.db")
	store, err := db.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.PutSession(newSession(session.AwaitingClientKeys)))
	require.NoError(t, store.Close())

	store, err = db.Open(path)
	require.NoError(t, err)
	defer store.Close()
	list, err := store.ListOpenSessions()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
