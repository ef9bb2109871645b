package main

import (
	"context"
	"errors"
	"net"

	"dsgate/internal/api"
	"dsgate/internal/gwerr"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case gwerr.CodeStoreUnavailable:
			lines = append(lines, "hint: a backing store is unreachable; retry shortly or check blob/record store health.")
		case gwerr.CodeConflictOrphan:
			lines = append(lines, "hint: record and blob disagree; run: dsgate reconcile")
		case gwerr.CodeQuotaExceeded:
			lines = append(lines, "hint: blob store quota reached; delete unused entities or raise blob.quota_bytes.")
		case "resource_exhausted":
			lines = append(lines, "hint: a reconciliation sweep is already running; retry when it finishes.")
		case "forbidden":
			lines = append(lines, "hint: presigned URL is invalid or expired; fetch a fresh one with: dsgate get <id>")
		}
		if apiErr.Temporary() {
			lines = append(lines, "hint: the failure is temporary; retrying the command may succeed.")
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify DSGATE_API_URL points to a dsgate server.")
		}
		if apiErr.Status >= 500 && apiErr.Code == gwerr.CodeInternal {
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check server health or increase DSGATE_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a dsgate server is running at DSGATE_API_URL.",
			"hint: start a server manually with: dsgate srv",
		)
		return uniqueLines(lines)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
