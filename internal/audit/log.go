package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"portalsetup.org/internal/obs"
)

type ctxKey string

const runIDKey ctxKey = "audit_run_id"

// WithRunID attaches the bootstrap run identifier to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the run identifier, or "" if none was attached.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(runIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry for a provisioning action. Every stage
// boundary and every write against the backend goes through here.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RunIDFromContext(ctx); rid != "" {
		entry["run_id"] = rid
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
