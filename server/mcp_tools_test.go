package server_test

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	"github.com/jrsteele09/go-bitbucket-auth/internal/config"
	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/server"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

type fakeRefresher struct {
	calls []string
}

func (f *fakeRefresher) Refresh(ctx context.Context, sessionID string) (token.Pair, error) {
	f.calls = append(f.calls, sessionID)
	return token.Pair{AccessToken: "rotated"}, nil
}

type fakeRevoker struct {
	revoked []string
}

func (f *fakeRevoker) RevokeToken(ctx context.Context, tok string, hint oauth2.TokenTypeHint) error {
	f.revoked = append(f.revoked, tok)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code        string `json:"code"`
		Recoverable bool   `json:"isRecoverable"`
	} `json:"error"`
	Metadata struct {
		Operation string `json:"operation"`
	} `json:"metadata"`
}

type mcpFixture struct {
	clock     time.Time
	auth      *fakeAuth
	refresher *fakeRefresher
	revoker   *fakeRevoker
	sessions  *sessions.Manager
	mcp       *server.MCPServer
}

func setupMCPFixture(t *testing.T) *mcpFixture {
	t.Helper()
	f := &mcpFixture{
		clock:     time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC),
		auth:      &fakeAuth{identity: &auth.Identity{UserID: "{user-1}", UserName: "Jane Doe"}},
		refresher: &fakeRefresher{},
		revoker:   &fakeRevoker{},
	}
	sm, err := sessions.NewManager(config.Default().Session, sessions.WithNowFunc(func() time.Time { return f.clock }))
	require.NoError(t, err)
	f.sessions = sm
	f.mcp = server.NewMCPServer("bbauth", "test", f.auth, sm,
		server.WithTokenRefresher(f.refresher),
		server.WithTokenRevoker(f.revoker),
	)
	return f
}

func (f *mcpFixture) call(t *testing.T, name string, args map[string]any) envelope {
	t.Helper()
	var handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
	for _, tool := range f.mcp.Tools() {
		if tool.Tool.Name == name {
			handler = tool.Handler
		}
	}
	require.NotNil(t, handler, "tool %s not registered", name)

	req := mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	}
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(text.Text), &env))
	require.Equal(t, !env.Success, res.IsError)
	require.Equal(t, name, env.Metadata.Operation)
	return env
}

func (f *mcpFixture) createSession(t *testing.T, userID string) *sessions.UserSession {
	t.Helper()
	s, err := f.sessions.CreateSession(userID, "Name", time.Hour, token.Pair{AccessToken: "access-" + userID, RefreshToken: "r"}, nil)
	require.NoError(t, err)
	return s
}

func decodeSession(t *testing.T, env envelope) sessions.UserSession {
	t.Helper()
	require.True(t, env.Success)
	var s sessions.UserSession
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func TestToolsRegistered(t *testing.T) {
	f := setupMCPFixture(t)
	var names []string
	for _, tool := range f.mcp.Tools() {
		names = append(names, tool.Tool.Name)
	}
	require.ElementsMatch(t, []string{
		server.ToolLoginURL, server.ToolExchangeCode, server.ToolSessionGet, server.ToolSessionValid,
		server.ToolSessionRefresh, server.ToolSessionLogout, server.ToolLogoutUser, server.ToolSessionStats,
	}, names)
}

func TestLoginURLTool(t *testing.T) {
	f := setupMCPFixture(t)

	env := f.call(t, server.ToolLoginURL, map[string]any{"scopes": "account repository"})
	var data struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, "state-1", data.State)
	u, err := url.Parse(data.URL)
	require.NoError(t, err)
	require.Equal(t, "account repository", u.Query().Get("scope"))
	require.NotContains(t, string(env.Data), "verifier")
}

func TestLoginURLToolRejectsBadRedirect(t *testing.T) {
	f := setupMCPFixture(t)

	env := f.call(t, server.ToolLoginURL, map[string]any{"redirect_uri": "/relative"})
	require.False(t, env.Success)
	require.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestExchangeCodeTool(t *testing.T) {
	f := setupMCPFixture(t)

	s := decodeSession(t, f.call(t, server.ToolExchangeCode, map[string]any{"code": "abc", "state": "state-1"}))
	require.Equal(t, "{user-1}", s.UserID)
	require.Equal(t, "state-1", f.auth.lastState)
	require.Empty(t, s.Token.AccessToken, "tokens are never serialised")

	env := f.call(t, server.ToolExchangeCode, map[string]any{})
	require.False(t, env.Success)
	require.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestSessionGetAndValidateTools(t *testing.T) {
	f := setupMCPFixture(t)
	created := f.createSession(t, "u1")

	s := decodeSession(t, f.call(t, server.ToolSessionGet, map[string]any{"session_id": created.ID}))
	require.Equal(t, created.ID, s.ID)
	s = decodeSession(t, f.call(t, server.ToolSessionValid, map[string]any{"session_id": created.ID}))
	require.Equal(t, created.ID, s.ID)

	env := f.call(t, server.ToolSessionGet, map[string]any{"session_id": "sess_missing"})
	require.False(t, env.Success)
	require.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
	require.False(t, env.Error.Recoverable)

	f.clock = f.clock.Add(2 * time.Hour)
	env = f.call(t, server.ToolSessionValid, map[string]any{"session_id": created.ID})
	require.False(t, env.Success)
	require.Equal(t, "SESSION_EXPIRED", env.Error.Code)
}

func TestSessionRefreshTool(t *testing.T) {
	f := setupMCPFixture(t)
	created := f.createSession(t, "u1")

	s := decodeSession(t, f.call(t, server.ToolSessionRefresh, map[string]any{
		"session_id":         created.ID,
		"expires_in_seconds": float64(7200),
	}))
	require.Equal(t, f.clock.Add(2*time.Hour), s.ExpiresAt.UTC())
	require.Empty(t, f.refresher.calls)

	decodeSession(t, f.call(t, server.ToolSessionRefresh, map[string]any{"session_id": created.ID, "rotate_token": true}))
	require.Equal(t, []string{created.ID}, f.refresher.calls)

	env := f.call(t, server.ToolSessionRefresh, map[string]any{"session_id": created.ID, "expires_in_seconds": float64(-1)})
	require.False(t, env.Success)
	require.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestSessionLogoutTool(t *testing.T) {
	f := setupMCPFixture(t)
	created := f.createSession(t, "u1")

	env := f.call(t, server.ToolSessionLogout, map[string]any{"session_id": created.ID, "revoke": true})
	require.True(t, env.Success)
	require.JSONEq(t, `{"sessionId":"`+created.ID+`","revoked":true}`, string(env.Data))
	require.Equal(t, []string{"access-u1"}, f.revoker.revoked)

	// Idempotent.
	env = f.call(t, server.ToolSessionLogout, map[string]any{"session_id": created.ID})
	require.True(t, env.Success)
}

func TestLogoutUserAndStatsTools(t *testing.T) {
	f := setupMCPFixture(t)
	f.createSession(t, "u1")
	f.createSession(t, "u1")
	f.createSession(t, "u2")

	env := f.call(t, server.ToolSessionStats, nil)
	require.True(t, env.Success)
	var stats sessions.Statistics
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	require.Equal(t, 3, stats.TotalSessions)
	require.Equal(t, 2, stats.SessionsPerUser["u1"])

	env = f.call(t, server.ToolLogoutUser, map[string]any{"user_id": "u1"})
	require.True(t, env.Success)
	require.JSONEq(t, `{"userId":"u1","removed":2}`, string(env.Data))
	require.Equal(t, 1, f.sessions.Statistics().TotalSessions)
}
