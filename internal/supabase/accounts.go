package supabase

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"portalsetup.org/internal/provision"
)

type adminUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
}

func (u adminUser) account() provision.Account {
	name, _ := u.UserMetadata["full_name"].(string)
	return provision.Account{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: name,
		Confirmed:   u.EmailConfirmedAt != nil,
	}
}

type createUserRequest struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	EmailConfirm bool           `json:"email_confirm"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// FindAccountByEmail pages through the admin user list. The admin API has no
// email filter, so matching is done here, ignoring case.
func (c *Client) FindAccountByEmail(ctx context.Context, email string) (provision.Account, bool, error) {
	const op = "find-account"
	email = strings.TrimSpace(email)
	for page := 1; page <= maxPages; page++ {
		resp, err := c.do(ctx, request{
			op:     op,
			method: http.MethodGet,
			path:   "/auth/v1/admin/users",
			query: map[string][]string{
				"page":     {strconv.Itoa(page)},
				"per_page": {strconv.Itoa(c.pageSize)},
			},
		})
		if err != nil {
			return provision.Account{}, false, err
		}
		if !resp.ok(http.StatusOK) {
			return provision.Account{}, false, resp.fail(op)
		}
		var list struct {
			Users []adminUser `json:"users"`
		}
		if err := decode(op, resp, &list); err != nil {
			return provision.Account{}, false, err
		}
		for _, u := range list.Users {
			if strings.EqualFold(u.Email, email) {
				return u.account(), true, nil
			}
		}
		if len(list.Users) < c.pageSize {
			break
		}
	}
	return provision.Account{}, false, nil
}

// CreateAccount creates a confirmed account with the display name stored as
// user_metadata.full_name.
func (c *Client) CreateAccount(ctx context.Context, spec provision.AccountSpec) (provision.Account, error) {
	const op = "create-account"
	body := createUserRequest{
		Email:        spec.Email,
		Password:     spec.Password,
		EmailConfirm: true,
	}
	if spec.DisplayName != "" {
		body.UserMetadata = map[string]any{"full_name": spec.DisplayName}
	}
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/auth/v1/admin/users",
		body:   body,
	})
	if err != nil {
		return provision.Account{}, err
	}
	if !resp.ok(http.StatusOK, http.StatusCreated) {
		return provision.Account{}, resp.fail(op)
	}
	var u adminUser
	if err := decode(op, resp, &u); err != nil {
		return provision.Account{}, err
	}
	if u.ID == "" {
		return provision.Account{}, &provision.ExternalCallError{
			Op:     op,
			Status: resp.status,
			Body:   truncate(resp.body),
			Err:    provision.ErrInvalidInput,
		}
	}
	return u.account(), nil
}
