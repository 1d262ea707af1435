package npm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/logging"
)

// DegradedReason explains why a status check produced no data.
type DegradedReason string

const (
	DegradedNone     DegradedReason = ""
	DegradedTimeout  DegradedReason = "timeout"
	DegradedSpawn    DegradedReason = "spawn"
	DegradedExitCode DegradedReason = "exit_code"
	DegradedParse    DegradedReason = "parse"
	DegradedCanceled DegradedReason = "canceled"
	DegradedError    DegradedReason = "error"
)

// Outdated is one entry of `npm outdated --json`. Empty fields were not
// reported by the tool.
type Outdated struct {
	Current string `json:"current,omitempty"`
	Wanted  string `json:"wanted,omitempty"`
	Latest  string `json:"latest,omitempty"`
}

// Report is the result of a status check. A degraded report is empty.
type Report struct {
	Entries  map[string]Outdated
	Degraded DegradedReason
}

// Lookup returns the entry for name, if reported.
func (r Report) Lookup(name string) (Outdated, bool) {
	e, ok := r.Entries[name]
	return e, ok
}

func emptyReport(reason DegradedReason) Report {
	return Report{Entries: map[string]Outdated{}, Degraded: reason}
}

// Outdated runs `npm outdated --json` in dir.
//
// npm exits 1 when anything is outdated, so exit codes 0 and 1 both count as
// success. Any other failure (spawn, exit code, timeout, malformed output)
// yields an empty Report carrying the reason; it is never an error.
func (c *Client) Outdated(ctx context.Context, dir string) Report {
	res, err := c.run(ctx, dir, CommandOutdated, c.outdatedTimeout, "outdated", "--json")

	var reason DegradedReason
	switch outcomeFor(err, nil) {
	case outcomeTimeout:
		reason = DegradedTimeout
	case outcomeSpawn:
		reason = DegradedSpawn
	case outcomeCanceled:
		reason = DegradedCanceled
	case outcomeError:
		reason = DegradedError
	}
	if reason == DegradedNone && res.ExitCode != 0 && res.ExitCode != 1 {
		reason = DegradedExitCode
	}

	var entries map[string]Outdated
	if reason == DegradedNone {
		entries, err = ParseOutdated(res.Stdout)
		if err != nil {
			reason = DegradedParse
		}
	}

	if reason != DegradedNone {
		c.metrics.RecordDegraded(reason)
		fields := logging.Fields(logging.WithProjectPath(ctx, dir),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		if res != nil {
			fields = append(fields, zap.Int("exit_code", res.ExitCode))
		}
		c.logger.Warn("status check degraded to empty report", fields...)
		return emptyReport(reason)
	}

	return Report{Entries: entries}
}

// ParseOutdated decodes `npm outdated --json` output.
//
// Empty output means nothing is outdated. When a package is reported for
// several locations (an array), the first entry wins.
func ParseOutdated(data []byte) (map[string]Outdated, error) {
	entries := map[string]Outdated{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return entries, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding outdated report: %w", err)
	}

	// npm reports its own failures as {"error": {"code": ...}} on stdout.
	if msg, ok := raw["error"]; ok {
		var failure struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(msg, &failure) == nil && failure.Code != "" {
			return nil, fmt.Errorf("npm reported %s", failure.Code)
		}
	}

	for name, msg := range raw {
		msg = bytes.TrimSpace(msg)
		if len(msg) > 0 && msg[0] == '[' {
			var list []Outdated
			if err := json.Unmarshal(msg, &list); err != nil {
				return nil, fmt.Errorf("decoding outdated entry %q: %w", name, err)
			}
			if len(list) > 0 {
				entries[name] = list[0]
			}
			continue
		}
		var e Outdated
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("decoding outdated entry %q: %w", name, err)
		}
		entries[name] = e
	}
	return entries, nil
}
