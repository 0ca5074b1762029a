package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	xoauth2 "golang.org/x/oauth2"

	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const maxResponseBytes = 1 << 20

type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r *rawResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

// tokenRequest posts a grant to the token endpoint and converts the response.
func (e *FlowEngine) tokenRequest(ctx context.Context, req oauthmodel.TokenRequest, state string) (token.Pair, error) {
	grant := grantLabel(req.GrantType)
	endpoint, err := e.endpoint(ctx, e.cfg.GetTokenEndpoint(), func(md *oauth2.Metadata) string { return md.TokenEndpoint })
	if err != nil {
		return token.Pair{}, err
	}

	issuedAt := e.nowFunc()
	resp, err := e.postForm(ctx, endpoint, req.Values(), true)
	if err != nil {
		e.metrics.Grant(grant, "network_error")
		e.logger.Warn().Err(err).Str("grant", grant).Msg("token request failed")
		return token.Pair{}, oauthmodel.NetworkError(err, state)
	}
	if !resp.ok() {
		details := oauthmodel.ParseErrorResponse(resp.status, resp.body, state)
		e.metrics.Grant(grant, string(details.Code))
		e.logger.Debug().Str("grant", grant).Int("status", resp.status).Str("error", string(details.Code)).Msg("token request rejected")
		return token.Pair{}, details
	}

	var tr oauth2.TokenResponse
	if err := json.Unmarshal(resp.body, &tr); err != nil {
		e.metrics.Grant(grant, "invalid_response")
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrServerError, "token response is not valid JSON", state, resp.status)
	}
	pair, err := token.NewPair(&tr, issuedAt)
	if err != nil {
		e.metrics.Grant(grant, "invalid_response")
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrServerError, err.Error(), state, resp.status)
	}

	e.metrics.Grant(grant, "success")
	e.logger.Debug().
		Str("grant", grant).
		Str("token", token.Fingerprint(pair.AccessToken)).
		Time("expires_at", pair.ExpiresAt).
		Msg("token issued")
	return pair, nil
}

// postForm sends a form-encoded POST. A returned error means no response was received.
func (e *FlowEngine) postForm(ctx context.Context, endpoint string, values url.Values, clientAuth bool) (*rawResponse, error) {
	basic := false
	if clientAuth {
		basic = e.applyClientAuth(values)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if basic {
		req.SetBasicAuth(url.QueryEscape(e.cfg.GetClientID()), url.QueryEscape(e.cfg.GetClientSecret()))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return e.do(req)
}

func (e *FlowEngine) get(ctx context.Context, endpoint string) (*rawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	return e.do(req)
}

func (e *FlowEngine) do(req *http.Request) (*rawResponse, error) {
	resp, err := e.transport.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	return &rawResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// applyClientAuth adds the client credentials to values, or reports that they belong in a
// basic Authorization header, following the configured golang.org/x/oauth2 auth style.
func (e *FlowEngine) applyClientAuth(values url.Values) (basic bool) {
	id, secret := e.cfg.GetClientID(), e.cfg.GetClientSecret()
	if e.cfg.GetAuthStyle() == xoauth2.AuthStyleInHeader && secret != "" {
		return true
	}
	values.Set("client_id", id)
	if secret != "" {
		values.Set("client_secret", secret)
	}
	return false
}

func grantLabel(g oauth2.GrantType) string {
	switch g {
	case oauth2.DeviceCodeGrant:
		return "device_code"
	case oauth2.JWTBearerGrant:
		return "jwt_bearer"
	}
	return string(g)
}
