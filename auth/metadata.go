package auth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
)

// metadataCacheEntry holds cached server metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *oauth2.Metadata
	fetchedAt time.Time
}

// GetAuthorizationServerMetadata fetches the issuer's RFC 8414 metadata, falling back to
// OpenID Connect discovery. Results are cached for the configured TTL and concurrent
// fetches share one request.
func (e *FlowEngine) GetAuthorizationServerMetadata(ctx context.Context) (*oauth2.Metadata, error) {
	issuer := strings.TrimSuffix(e.cfg.GetIssuer(), "/")
	if issuer == "" {
		return nil, ErrNoIssuer
	}

	if md := e.cachedMetadata(); md != nil {
		return md, nil
	}

	result, err, _ := e.metadataGroup.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring singleflight lock
		if md := e.cachedMetadata(); md != nil {
			return md, nil
		}
		return e.discoverMetadata(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauth2.Metadata), nil
}

// ClearMetadataCache forces the next metadata lookup to go to the network.
func (e *FlowEngine) ClearMetadataCache() {
	e.metadataMu.Lock()
	e.metadata = nil
	e.metadataMu.Unlock()
}

func (e *FlowEngine) cachedMetadata() *oauth2.Metadata {
	e.metadataMu.RLock()
	defer e.metadataMu.RUnlock()
	if e.metadata != nil && e.nowFunc().Sub(e.metadata.fetchedAt) < e.cfg.GetMetadataCacheTTL() {
		return e.metadata.metadata
	}
	return nil
}

func (e *FlowEngine) discoverMetadata(ctx context.Context, issuer string) (*oauth2.Metadata, error) {
	md, err := e.fetchMetadata(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err != nil {
		e.logger.Debug().Err(err).Str("issuer", issuer).Msg("RFC 8414 metadata fetch failed, trying OIDC")
		md, err = e.fetchMetadata(ctx, issuer+"/.well-known/openid-configuration")
		if err != nil {
			return nil, err
		}
	}

	e.metadataMu.Lock()
	e.metadata = &metadataCacheEntry{metadata: md, fetchedAt: e.nowFunc()}
	e.metadataMu.Unlock()

	e.logger.Debug().
		Str("issuer", issuer).
		Str("authorization_endpoint", md.AuthorizationEndpoint).
		Str("token_endpoint", md.TokenEndpoint).
		Msg("cached oauth metadata")
	return md, nil
}

func (e *FlowEngine) fetchMetadata(ctx context.Context, metadataURL string) (*oauth2.Metadata, error) {
	resp, err := e.get(ctx, metadataURL)
	if err != nil {
		return nil, oauthmodel.NetworkError(err, "")
	}
	if !resp.ok() {
		return nil, oauthmodel.ParseErrorResponse(resp.status, resp.body, "")
	}
	var md oauth2.Metadata
	if err := json.Unmarshal(resp.body, &md); err != nil {
		return nil, oauthmodel.NewErrorDetails(oauthmodel.ErrServerError, "metadata document is not valid JSON", "", resp.status)
	}
	return &md, nil
}
