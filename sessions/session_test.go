package sessions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-bitbucket-auth/sessions"
)

func TestUserSessionPredicates(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &sessions.UserSession{CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(time.Hour)}

	require.False(t, s.IsExpired(now))
	require.True(t, s.IsExpired(now.Add(time.Hour)))
	require.False(t, s.IsIdle(now.Add(10*time.Minute), 10*time.Minute))
	require.True(t, s.IsIdle(now.Add(10*time.Minute+time.Nanosecond), 10*time.Minute))
	require.False(t, s.IsIdle(now.Add(24*time.Hour), 0))
	require.True(t, s.IsActive(now.Add(time.Minute), time.Hour))

	s.Touch(now.Add(time.Minute))
	s.Touch(now)
	require.Equal(t, now.Add(time.Minute), s.LastActivity)
}

func TestGenerateID(t *testing.T) {
	a, err := sessions.GenerateID()
	require.NoError(t, err)
	b, err := sessions.GenerateID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Regexp(t, `^sess_[0-9a-f]{64}$`, a)
}

func TestActivityLogRing(t *testing.T) {
	l := sessions.NewActivityLog(3)
	for i := 0; i < 5; i++ {
		l.Append(sessions.Activity{SessionID: "s1", Data: map[string]any{"i": i}})
	}
	l.Append(sessions.Activity{SessionID: "s2"})

	got := l.List("s1")
	require.Len(t, got, 3)
	require.Equal(t, []any{2, 3, 4}, []any{got[0].Data["i"], got[1].Data["i"], got[2].Data["i"]})
	require.Len(t, l.List("s2"), 1)
	require.Equal(t, 2, l.Sessions())

	l.Discard("s1")
	require.Nil(t, l.List("s1"))
	require.Equal(t, 1, l.Sessions())
}

func TestInMemoryRepo(t *testing.T) {
	r := sessions.NewInMemoryRepo()
	s := &sessions.UserSession{ID: "sess_1", UserID: "u1"}

	require.Error(t, r.Insert(&sessions.UserSession{ID: "sess_x"}))
	require.NoError(t, r.Insert(s))
	require.ErrorIs(t, r.Insert(s), sessions.ErrSessionExists)
	require.ErrorIs(t, r.Update(&sessions.UserSession{ID: "sess_2", UserID: "u1"}), sessions.ErrSessionNotFound)
	require.Error(t, r.Update(&sessions.UserSession{ID: "sess_1", UserID: "u2"}))

	require.Len(t, r.ListByUser("u1"), 1)
	removed, err := r.Delete("sess_1")
	require.NoError(t, err)
	require.Equal(t, "u1", removed.UserID)
	_, err = r.Delete("sess_1")
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
	require.Empty(t, r.ListByUser("u1"))
	require.Zero(t, r.Users())
	require.True(t, r.IndexConsistent())
}
