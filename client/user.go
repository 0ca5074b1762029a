package client

import (
	"context"

	autherrors "github.com/jrsteele09/go-bitbucket-auth/internal/errors"
)

// RouteCurrentUser is the API path of the authenticated account.
const RouteCurrentUser = "/user"

// User is the part of the account representation sessions are keyed on.
type User struct {
	UUID        string `json:"uuid"`
	AccountID   string `json:"account_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// CurrentUser fetches the account the current token belongs to.
func (d *Dispatcher) CurrentUser(ctx context.Context) (*User, error) {
	resp, err := d.Get(ctx, RouteCurrentUser, nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := resp.JSON(&u); err != nil {
		return nil, autherrors.Internal(err, "unexpected user representation")
	}
	if u.UUID == "" && u.AccountID == "" {
		return nil, autherrors.New(autherrors.CodeHTTPError, "user representation carries no identifier")
	}
	return &u, nil
}

// ID returns the stable identifier of the account.
func (u *User) ID() string {
	if u.UUID != "" {
		return u.UUID
	}
	return u.AccountID
}

// Name returns the best human readable name of the account.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
