package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	supa "github.com/nedpals/supabase-go"
	postgrest "github.com/nedpals/supabase-go/postgrest/pkg"

	"portalsetup.org/internal/obs"
	"portalsetup.org/internal/provision"
)

var _ provision.Backend = (*SDK)(nil)

// SDK is the client-library backend. Table reads and inserts go through the
// supabase-go PostgREST builder and account creation through its admin API.
// The account list and SQL execution have no library call and stay on the
// embedded HTTP Client.
type SDK struct {
	*Client
	admin  *supa.Client
	public *supa.Client
}

// NewSDK builds library clients for the same project, keys, transport and
// timeout as c.
func NewSDK(c *Client) *SDK {
	s := &SDK{Client: c, admin: libraryClient(c, c.serviceKey)}
	s.public = s.admin
	if c.publicKey != "" {
		s.public = libraryClient(c, c.publicKey)
	}
	return s
}

func libraryClient(c *Client, key string) *supa.Client {
	lc := supa.CreateClient(c.BaseURL(), key)
	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	lc.HTTPClient = &http.Client{Timeout: c.http.Timeout, Transport: metered{next: next}}
	lc.DB.Transport.Parent = metered{next: next}
	return lc
}

type callKey struct{}

// callInfo carries the operation name to the transport and the response
// status back from it.
type callInfo struct {
	op     string
	status int
}

// metered records every round trip made by the library clients and keeps
// the status, which the library drops on some error paths.
type metered struct {
	next http.RoundTripper
}

func (m metered) RoundTrip(req *http.Request) (*http.Response, error) {
	info, _ := req.Context().Value(callKey{}).(*callInfo)
	op := "sdk"
	if info != nil {
		op = info.op
	}
	start := time.Now()
	resp, err := m.next.RoundTrip(req)
	status := 0
	if err == nil {
		status = resp.StatusCode
	}
	if info != nil {
		info.status = status
	}
	obs.ObserveRequest(op, status, time.Since(start))
	return resp, err
}

// call paces and bounds one library call the same way Client.do does and
// turns its failure into an ExternalCallError.
func (s *SDK) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return &provision.ExternalCallError{Op: op, Err: err}
		}
	}
	if d := s.http.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	info := &callInfo{op: op}
	err := fn(context.WithValue(ctx, callKey{}, info))
	if err == nil {
		return nil
	}
	ext := &provision.ExternalCallError{Op: op, Status: info.status, Body: err.Error(), Err: err}
	var reqErr *postgrest.RequestError
	var authErr *supa.ErrorResponse
	switch {
	case errors.As(err, &reqErr):
		if reqErr.HTTPStatusCode != 0 {
			ext.Status = reqErr.HTTPStatusCode
		}
		ext.Body = reqErr.Message
		if reqErr.Details != "" {
			ext.Body += ": " + reqErr.Details
		}
	case errors.As(err, &authErr):
		if authErr.Code >= 400 {
			ext.Status = authErr.Code
		}
		ext.Body = authErr.Message
	}
	ext.Body = truncate([]byte(ext.Body))
	if ext.Status == http.StatusConflict {
		ext.Err = fmt.Errorf("%w: %v", provision.ErrConflict, err)
	}
	return ext
}

// CreateAccount creates a confirmed account through the library admin API.
func (s *SDK) CreateAccount(ctx context.Context, spec provision.AccountSpec) (provision.Account, error) {
	const op = "create-account"
	password := spec.Password
	params := supa.AdminUserParams{
		Email:        spec.Email,
		Password:     &password,
		EmailConfirm: true,
	}
	if spec.DisplayName != "" {
		params.UserMetadata = supa.JSONMap{"full_name": spec.DisplayName}
	}
	var user *supa.AdminUser
	err := s.call(ctx, op, func(ctx context.Context) error {
		var err error
		user, err = s.admin.Admin.CreateUser(ctx, params)
		return err
	})
	if err != nil {
		return provision.Account{}, err
	}
	if user == nil || user.ID == "" {
		return provision.Account{}, &provision.ExternalCallError{Op: op, Err: provision.ErrInvalidInput}
	}
	name, _ := user.UserMetaData["full_name"].(string)
	return provision.Account{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: name,
		Confirmed:   user.EmailConfirmedAt != nil,
	}, nil
}

func (s *SDK) FindRolesByCode(ctx context.Context, code string) ([]provision.RoleDescriptor, error) {
	var rows []roleRow
	err := s.call(ctx, "find-role", func(ctx context.Context) error {
		return s.public.DB.From(s.tables.Roles).
			Select("id,code,description").
			Eq("code", code).
			ExecuteWithContext(ctx, &rows)
	})
	if err != nil {
		return nil, err
	}
	out := make([]provision.RoleDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.descriptor())
	}
	return out, nil
}

func (s *SDK) FindAssignmentByAccount(ctx context.Context, accountID string) (provision.Assignment, bool, error) {
	var rows []assignmentRow
	err := s.call(ctx, "find-assignment", func(ctx context.Context) error {
		return s.admin.DB.From(s.tables.Assignments).
			Select("*").
			Eq("user_id", accountID).
			ExecuteWithContext(ctx, &rows)
	})
	if err != nil {
		return provision.Assignment{}, false, err
	}
	if len(rows) == 0 {
		return provision.Assignment{}, false, nil
	}
	return rows[0].assignment(), true, nil
}

func (s *SDK) InsertAssignment(ctx context.Context, accountID, roleID string) (provision.Assignment, error) {
	var rows []assignmentRow
	err := s.call(ctx, "insert-assignment", func(ctx context.Context) error {
		return s.admin.DB.From(s.tables.Assignments).
			Insert(assignmentRow{UserID: accountID, ProfileID: roleID}).
			ExecuteWithContext(ctx, &rows)
	})
	if err != nil {
		return provision.Assignment{}, err
	}
	if len(rows) == 0 {
		return provision.Assignment{AccountID: accountID, RoleID: roleID}, nil
	}
	return rows[0].assignment(), nil
}
