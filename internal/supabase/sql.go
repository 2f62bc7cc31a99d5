package supabase

import (
	"context"
	"net/http"
)

const (
	sqlPath         = "/rest/v1/pg_queries"
	sqlFunctionPath = "/functions/v1/execute-sql"
)

// ExecStatement posts one statement to the SQL endpoint. If the project
// rejects that endpoint (status >= 400) the statement is sent once more to
// the execute-sql edge function, which some projects deploy instead.
func (c *Client) ExecStatement(ctx context.Context, statement string) error {
	const op = "exec-statement"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   sqlPath,
		body:   map[string]string{"query": statement},
	})
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		resp, err = c.do(ctx, request{
			op:     op,
			method: http.MethodPost,
			path:   sqlFunctionPath,
			body:   map[string]string{"sql": statement},
		})
		if err != nil {
			return err
		}
	}
	if !resp.ok(http.StatusOK, http.StatusCreated, http.StatusNoContent) {
		return resp.fail(op)
	}
	return nil
}
