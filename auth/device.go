package auth

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-bitbucket-auth/oauth2"
	"github.com/jrsteele09/go-bitbucket-auth/oauthmodel"
	"github.com/jrsteele09/go-bitbucket-auth/token"
)

const (
	defaultDevicePollInterval = 5 * time.Second
	slowDownIncrement         = 5 * time.Second
)

// StartDeviceAuthorization begins an RFC 8628 device authorization.
func (e *FlowEngine) StartDeviceAuthorization(ctx context.Context, scopes []string) (*oauth2.DeviceAuthorization, error) {
	endpoint, err := e.endpoint(ctx, e.cfg.GetDeviceAuthorizationEndpoint(), func(md *oauth2.Metadata) string { return md.DeviceAuthorizationEndpoint })
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = e.cfg.GetScopes()
	}

	values := url.Values{}
	if len(scopes) > 0 {
		values.Set("scope", strings.Join(scopes, " "))
	}
	resp, err := e.postForm(ctx, endpoint, values, true)
	if err != nil {
		e.metrics.Grant("device_authorization", "network_error")
		return nil, oauthmodel.NetworkError(err, "")
	}
	if !resp.ok() {
		details := oauthmodel.ParseErrorResponse(resp.status, resp.body, "")
		e.metrics.Grant("device_authorization", string(details.Code))
		return nil, details
	}

	var da oauth2.DeviceAuthorization
	if err := json.Unmarshal(resp.body, &da); err != nil || da.DeviceCode == "" {
		return nil, oauthmodel.NewErrorDetails(oauthmodel.ErrServerError, "invalid device authorization response", "", resp.status)
	}
	if da.Interval <= 0 {
		da.Interval = int(defaultDevicePollInterval / time.Second)
	}
	e.metrics.Grant("device_authorization", "success")
	return &da, nil
}

// PollDeviceToken makes a single token request for a pending device authorization.
// authorization_pending and slow_down are returned as *oauthmodel.OAuthErrorDetails.
func (e *FlowEngine) PollDeviceToken(ctx context.Context, deviceCode string) (token.Pair, error) {
	if deviceCode == "" {
		return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrInvalidRequest, "device code is required", "", 0)
	}
	return e.tokenRequest(ctx, oauthmodel.TokenRequest{
		GrantType:  oauth2.DeviceCodeGrant,
		DeviceCode: deviceCode,
	}, "")
}

// WaitForDeviceToken polls until the user completes the authorization, it is denied, the device
// code expires or ctx is done. slow_down increases the polling interval by five seconds.
func (e *FlowEngine) WaitForDeviceToken(ctx context.Context, da *oauth2.DeviceAuthorization) (token.Pair, error) {
	if da == nil {
		return token.Pair{}, errors.New("[WaitForDeviceToken] device authorization is required")
	}
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = defaultDevicePollInterval
	}
	var deadline time.Time
	if da.ExpiresIn > 0 {
		deadline = e.nowFunc().Add(time.Duration(da.ExpiresIn) * time.Second)
	}

	for {
		if err := e.sleep(ctx, interval); err != nil {
			return token.Pair{}, errors.Wrap(err, "[WaitForDeviceToken] cancelled")
		}
		if !deadline.IsZero() && !e.nowFunc().Before(deadline) {
			return token.Pair{}, oauthmodel.NewErrorDetails(oauthmodel.ErrExpiredToken, "device code expired before authorization completed", "", 0)
		}

		pair, err := e.PollDeviceToken(ctx, da.DeviceCode)
		if err == nil {
			return pair, nil
		}
		var details *oauthmodel.OAuthErrorDetails
		if !errors.As(err, &details) {
			return token.Pair{}, err
		}
		switch details.Code {
		case oauthmodel.ErrAuthorizationPending:
		case oauthmodel.ErrSlowDown:
			interval += slowDownIncrement
			e.logger.Debug().Dur("interval", interval).Msg("device flow asked to slow down")
		default:
			if details.Network {
				continue
			}
			return token.Pair{}, details
		}
	}
}
