package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

// RevokeToken revokes tok at the revocation endpoint (RFC 7009). A 400 response means the token
// is already invalid and is treated as success. Revoked tokens are recorded in the revoked token cache.
func (e *FlowEngine) RevokeToken(ctx context.Context, tok string, hint oauth2.TokenTypeHint) error {
	if tok == "" {
		return oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "token is required", "", 0)
	}
	endpoint, err := e.endpoint(ctx, e.cfg.GetRevocationEndpoint(), func(md *oauth2.Metadata) string { return md.RevocationEndpoint })
	if err != nil {
		return err
	}

	values := url.Values{"token": {tok}}
	if hint != "" {
		values.Set("token_type_hint", string(hint))
	}
	resp, err := e.postForm(ctx, endpoint, values, true)
	if err != nil {
		e.metrics.Grant("revoke", "network_error")
		return oauthmodel.NetworkError(err, "")
	}
	if !resp.ok() && resp.status != http.StatusBadRequest {
		details := oauthmodel.ParseErrorResponse(resp.status, resp.body, "")
		e.metrics.Grant("revoke", string(details.Code))
		return details
	}

	e.revoked.Add(tok, time.Time{})
	e.metrics.Grant("revoke", "success")
	e.logger.Info().Str("token", token.Fingerprint(tok)).Int("status", resp.status).Msg("token revoked")
	return nil
}

// IntrospectToken asks the introspection endpoint (RFC 7662) whether tok is active.
func (e *FlowEngine) IntrospectToken(ctx context.Context, tok string, hint oauth2.TokenTypeHint) (*oauth2.IntrospectionResponse, error) {
	if tok == "" {
		return nil, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "token is required", "", 0)
	}
	endpoint, err := e.endpoint(ctx, e.cfg.GetIntrospectionEndpoint(), func(md *oauth2.Metadata) string { return md.IntrospectionEndpoint })
	if err != nil {
		return nil, err
	}

	values := url.Values{"token": {tok}}
	if hint != "" {
		values.Set("token_type_hint", string(hint))
	}
	resp, err := e.postForm(ctx, endpoint, values, true)
	if err != nil {
		return nil, oauthmodel.NetworkError(err, "")
	}
	if !resp.ok() {
		return nil, oauthmodel.ParseErrorResponse(resp.status, resp.body, "")
	}

	var ir oauth2.IntrospectionResponse
	if err := json.Unmarshal(resp.body, &ir); err != nil {
		return nil, oauthmodel.NewErrorDetails(oauthmodel.ErrServerError, "introspection response is not valid JSON", "", resp.status)
	}
	if ir.Active && e.revoked.IsRevoked(tok) {
		ir.Active = false
	}
	return &ir, nil
}

// endpoint returns configured, or the endpoint advertised in the server metadata when it is empty.
func (e *FlowEngine) endpoint(ctx context.Context, configured string, pick func(*oauth2.Metadata) string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if e.cfg.GetIssuer() == "" {
		return "", ErrEndpointNotConfigured
	}
	md, err := e.GetAuthorizationServerMetadata(ctx)
	if err != nil {
		return "", err
	}
	if ep := pick(md); ep != "" {
		return ep, nil
	}
	return "", ErrEndpointNotConfigured
}
