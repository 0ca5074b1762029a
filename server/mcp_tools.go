package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-bitbucket-auth/auth"
	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
	"github.com/jrsteele09/go-bitbucket-auth/internal/result"
	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/sessions"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// Tool names
const (
	ToolLoginURL       = "auth_login_url"
	ToolExchangeCode   = "auth_exchange_code"
	ToolSessionGet     = "session_get"
	ToolSessionValid   = "session_validate"
	ToolSessionRefresh = "session_refresh"
	ToolSessionLogout  = "session_logout"
	ToolLogoutUser     = "session_logout_user"
	ToolSessionStats   = "session_stats"
)

// LoginStarter begins and completes authorization code logins. *auth.FlowEngine satisfies it.
type LoginStarter interface {
	Authenticator
	GenerateAuthorizationURLWithPKCE(overrides *oauthmodel.AuthorizationOverrides) (*auth.PKCEAuthorization, error)
}

// TokenRefresher rotates the token bound to a session. *refresh.Manager satisfies it.
type TokenRefresher interface {
	Refresh(ctx context.Context, sessionID string) (token.Pair, error)
}

// TokenRevoker revokes tokens upstream. *auth.FlowEngine satisfies it.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, tok string, hint oauth2.TokenTypeHint) error
}

// MCPServer exposes the session lifecycle as MCP tools. Every tool answers with a result envelope.
type MCPServer struct {
	login     LoginStarter
	sessions  *sessions.Manager
	refresher TokenRefresher
	revoker   TokenRevoker
	resolver  IdentityResolver
	logger    zerolog.Logger
	tools     []mcpserver.ServerTool
	mcp       *mcpserver.MCPServer
}

// MCPOption configures an MCPServer.
type MCPOption func(*MCPServer)

func WithMCPLogger(l zerolog.Logger) MCPOption {
	return func(m *MCPServer) {
		m.logger = l
	}
}

// WithTokenRefresher lets session_refresh rotate the session's token as well.
func WithTokenRefresher(r TokenRefresher) MCPOption {
	return func(m *MCPServer) {
		m.refresher = r
	}
}

// WithTokenRevoker lets session_logout revoke the session's token upstream.
func WithTokenRevoker(r TokenRevoker) MCPOption {
	return func(m *MCPServer) {
		m.revoker = r
	}
}

func WithMCPIdentityResolver(r IdentityResolver) MCPOption {
	return func(m *MCPServer) {
		m.resolver = r
	}
}

func NewMCPServer(name, version string, login LoginStarter, sessionManager *sessions.Manager, options ...MCPOption) *MCPServer {
	m := &MCPServer{
		login:    login,
		sessions: sessionManager,
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "mcp").Logger()

	m.mcp = mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
	)
	m.registerTools()
	return m
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects.
func (m *MCPServer) ServeStdio() error {
	return mcpserver.ServeStdio(m.mcp)
}

// Tools returns the registered tools with their handlers.
func (m *MCPServer) Tools() []mcpserver.ServerTool {
	return m.tools
}

func (m *MCPServer) registerTools() {
	m.tools = []mcpserver.ServerTool{
		{
			Tool: mcp.NewTool(ToolLoginURL,
				mcp.WithDescription("Generate a PKCE authorization URL for the user to open in a browser"),
				mcp.WithString("scopes",
					mcp.Description("Space separated scopes replacing the configured ones"),
				),
				mcp.WithString("redirect_uri",
					mcp.Description("Redirect URI replacing the configured one"),
				),
			),
			Handler: m.handleLoginURL,
		},
		{
			Tool: mcp.NewTool(ToolExchangeCode,
				mcp.WithDescription("Exchange an authorization code for tokens and open a session"),
				mcp.WithString("code",
					mcp.Required(),
					mcp.Description("Authorization code from the callback"),
				),
				mcp.WithString("state",
					mcp.Description("State returned with the code"),
				),
			),
			Handler: m.handleExchangeCode,
		},
		{
			Tool: mcp.NewTool(ToolSessionGet,
				mcp.WithDescription("Get a session and record activity on it"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
			),
			Handler: m.handleSessionGet,
		},
		{
			Tool: mcp.NewTool(ToolSessionValid,
				mcp.WithDescription("Check that a session is neither expired nor idle"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
			),
			Handler: m.handleSessionValidate,
		},
		{
			Tool: mcp.NewTool(ToolSessionRefresh,
				mcp.WithDescription("Extend a session's lifetime, optionally rotating its token"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
				mcp.WithNumber("expires_in_seconds",
					mcp.Description("New lifetime from now, the configured default when omitted"),
				),
				mcp.WithBoolean("rotate_token",
					mcp.Description("Also redeem the refresh token for a new access token"),
				),
			),
			Handler: m.handleSessionRefresh,
		},
		{
			Tool: mcp.NewTool(ToolSessionLogout,
				mcp.WithDescription("End a session"),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
				mcp.WithBoolean("revoke",
					mcp.Description("Also revoke the session's access token upstream"),
				),
			),
			Handler: m.handleSessionLogout,
		},
		{
			Tool: mcp.NewTool(ToolLogoutUser,
				mcp.WithDescription("End every session of a user"),
				mcp.WithString("user_id", mcp.Required(), mcp.Description("User identifier")),
			),
			Handler: m.handleLogoutUser,
		},
		{
			Tool: mcp.NewTool(ToolSessionStats,
				mcp.WithDescription("Session registry statistics"),
			),
			Handler: m.handleSessionStats,
		},
	}
	m.mcp.AddTools(m.tools...)
}

func (m *MCPServer) handleLoginURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	overrides := &oauthmodel.AuthorizationOverrides{}
	if scopes, _ := args["scopes"].(string); scopes != "" {
		overrides.Scopes = strings.Fields(scopes)
	}
	overrides.RedirectURI, _ = args["redirect_uri"].(string)

	authz, err := m.login.GenerateAuthorizationURLWithPKCE(overrides)
	if err != nil {
		return envelope(ToolLoginURL, nil, autherrors.New(autherrors.CodeInvalidInput, err.Error()).WithCause(err))
	}
	// The verifier stays with the flow engine, keyed by state.
	return envelope(ToolLoginURL, map[string]any{"url": authz.URL, "state": authz.State}, nil)
}

func (m *MCPServer) handleExchangeCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return invalidInput(ToolExchangeCode, "code argument is required")
	}
	state, _ := request.GetArguments()["state"].(string)

	pair, err := m.login.ExchangeCodeForToken(ctx, code, state, "")
	if err != nil {
		return envelope(ToolExchangeCode, nil, err)
	}
	session, err := EstablishSession(ctx, m.login, m.resolver, m.sessions, pair, "authorization_code")
	return envelope(ToolExchangeCode, session, err)
}

func (m *MCPServer) handleSessionGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return invalidInput(ToolSessionGet, "session_id argument is required")
	}
	session, err := m.sessions.GetSession(id)
	return envelope(ToolSessionGet, session, err)
}

func (m *MCPServer) handleSessionValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return invalidInput(ToolSessionValid, "session_id argument is required")
	}
	session, err := m.sessions.ValidateSession(id)
	return envelope(ToolSessionValid, session, err)
}

func (m *MCPServer) handleSessionRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return invalidInput(ToolSessionRefresh, "session_id argument is required")
	}
	args := request.GetArguments()
	var expiresIn time.Duration
	if secs, ok := args["expires_in_seconds"].(float64); ok {
		if secs <= 0 {
			return invalidInput(ToolSessionRefresh, "expires_in_seconds must be positive")
		}
		expiresIn = time.Duration(secs * float64(time.Second))
	}

	if rotate, _ := args["rotate_token"].(bool); rotate {
		if m.refresher == nil {
			return invalidInput(ToolSessionRefresh, "token rotation is not available")
		}
		if _, err := m.refresher.Refresh(ctx, id); err != nil {
			return envelope(ToolSessionRefresh, nil, err)
		}
	}
	session, err := m.sessions.RefreshSession(id, expiresIn)
	return envelope(ToolSessionRefresh, session, err)
}

func (m *MCPServer) handleSessionLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return invalidInput(ToolSessionLogout, "session_id argument is required")
	}

	revoked := false
	if revoke, _ := request.GetArguments()["revoke"].(bool); revoke && m.revoker != nil {
		if session, err := m.sessions.GetSession(id); err == nil {
			if err := m.revoker.RevokeToken(ctx, session.Token.AccessToken, oauth2.AccessTokenHint); err != nil {
				m.logger.Warn().Err(err).Str("session_id", id).Msg("token revocation failed, removing session anyway")
			} else {
				revoked = true
			}
		}
	}

	if err := m.sessions.RemoveSession(id); err != nil {
		return envelope(ToolSessionLogout, nil, err)
	}
	return envelope(ToolSessionLogout, map[string]any{"sessionId": id, "revoked": revoked}, nil)
}

func (m *MCPServer) handleLogoutUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return invalidInput(ToolLogoutUser, "user_id argument is required")
	}
	n, err := m.sessions.RemoveUserSessions(userID)
	return envelope(ToolLogoutUser, map[string]any{"userId": userID, "removed": n}, err)
}

func (m *MCPServer) handleSessionStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return envelope(ToolSessionStats, m.sessions.Statistics(), nil)
}

func invalidInput(operation, message string) (*mcp.CallToolResult, error) {
	return envelope(operation, nil, autherrors.New(autherrors.CodeInvalidInput, message))
}

// envelope renders the result as JSON text. Failures are reported in the envelope, never as
// protocol errors.
func envelope(operation string, data any, err error) (*mcp.CallToolResult, error) {
	env := result.From(operation, data, err)
	body, merr := json.Marshal(env)
	if merr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", merr)), nil
	}
	res := mcp.NewToolResultText(string(body))
	res.IsError = !env.Success
	return res, nil
}
