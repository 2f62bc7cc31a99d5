package supabase

import (
	"context"
	"fmt"
	"net/http"

	"portalsetup.org/internal/provision"
)

type roleRow struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (r roleRow) descriptor() provision.RoleDescriptor {
	return provision.RoleDescriptor{ID: r.ID, Code: r.Code, Description: r.Description}
}

type assignmentRow struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"user_id"`
	ProfileID string `json:"profile_id"`
}

func (r assignmentRow) assignment() provision.Assignment {
	return provision.Assignment{ID: r.ID, AccountID: r.UserID, RoleID: r.ProfileID}
}

// FindRolesByCode reads role descriptors with the public key when one is
// configured, since the role table is readable by anyone.
func (c *Client) FindRolesByCode(ctx context.Context, code string) ([]provision.RoleDescriptor, error) {
	const op = "find-role"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/rest/v1/" + c.tables.Roles,
		query: map[string][]string{
			"code":   {"eq." + code},
			"select": {"id,code,description"},
		},
		key: c.publicKey,
	})
	if err != nil {
		return nil, err
	}
	if !resp.ok(http.StatusOK) {
		return nil, resp.fail(op)
	}
	var rows []roleRow
	if err := decode(op, resp, &rows); err != nil {
		return nil, err
	}
	out := make([]provision.RoleDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.descriptor())
	}
	return out, nil
}

func (c *Client) FindAssignmentByAccount(ctx context.Context, accountID string) (provision.Assignment, bool, error) {
	const op = "find-assignment"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/rest/v1/" + c.tables.Assignments,
		query: map[string][]string{
			"user_id": {"eq." + accountID},
			"select":  {"id,user_id,profile_id"},
		},
	})
	if err != nil {
		return provision.Assignment{}, false, err
	}
	if !resp.ok(http.StatusOK) {
		return provision.Assignment{}, false, resp.fail(op)
	}
	var rows []assignmentRow
	if err := decode(op, resp, &rows); err != nil {
		return provision.Assignment{}, false, err
	}
	if len(rows) == 0 {
		return provision.Assignment{}, false, nil
	}
	return rows[0].assignment(), true, nil
}

// InsertAssignment inserts one row and asks for it back. A 409 from the
// unique constraint on user_id unwraps to provision.ErrConflict.
func (c *Client) InsertAssignment(ctx context.Context, accountID, roleID string) (provision.Assignment, error) {
	const op = "insert-assignment"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/rest/v1/" + c.tables.Assignments,
		body:   assignmentRow{UserID: accountID, ProfileID: roleID},
		header: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return provision.Assignment{}, err
	}
	if !resp.ok(http.StatusOK, http.StatusCreated) {
		failure := resp.fail(op)
		if failure.Status == http.StatusConflict {
			failure.Err = fmt.Errorf("%w: account %s already assigned", provision.ErrConflict, accountID)
		}
		return provision.Assignment{}, failure
	}
	asg := provision.Assignment{AccountID: accountID, RoleID: roleID}
	var rows []assignmentRow
	if len(resp.body) > 0 {
		if err := decode(op, resp, &rows); err != nil {
			return provision.Assignment{}, err
		}
	}
	if len(rows) > 0 {
		asg = rows[0].assignment()
	}
	return asg, nil
}
