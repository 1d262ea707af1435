package audit

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrAuditParse indicates the output carries neither known report shape.
var ErrAuditParse = errors.New("unrecognized audit report")

// Severity levels reported by npm.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Counts are the tool's own severity totals.
type Counts struct {
	Info     int `json:"info"`
	Low      int `json:"low"`
	Moderate int `json:"moderate"`
	High     int `json:"high"`
	Critical int `json:"critical"`
	Total    int `json:"total"`
}

// VulnerablePackage is one flattened finding.
type VulnerablePackage struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Range    string `json:"range"`
}

// Result is a normalized audit report.
type Result struct {
	Counts             Counts              `json:"counts"`
	VulnerablePackages []VulnerablePackage `json:"vulnerable_packages"`
}

// report probes the top-level keys that select the shape.
type report struct {
	Vulnerabilities json.RawMessage `json:"vulnerabilities"`
	Advisories      json.RawMessage `json:"advisories"`
	Metadata        struct {
		Vulnerabilities *struct {
			Info     int  `json:"info"`
			Low      int  `json:"low"`
			Moderate int  `json:"moderate"`
			High     int  `json:"high"`
			Critical int  `json:"critical"`
			Total    *int `json:"total"`
		} `json:"vulnerabilities"`
	} `json:"metadata"`
}

// vulnerability is an entry of the per-package shape (npm 7 and later).
type vulnerability struct {
	Name     string            `json:"name"`
	Severity string            `json:"severity"`
	Range    string            `json:"range"`
	Via      []json.RawMessage `json:"via"`
}

// advisory is an entry of the per-advisory shape (npm 6).
type advisory struct {
	Title              string `json:"title"`
	ModuleName         string `json:"module_name"`
	Severity           string `json:"severity"`
	VulnerableVersions string `json:"vulnerable_versions"`
}

// Parse decodes `npm audit --json` output.
//
// The per-package "vulnerabilities" shape is preferred over the per-advisory
// "advisories" shape when both are present; neither yields ErrAuditParse.
// Counts come from metadata.vulnerabilities and are never derived from the
// list, which omits info-level findings.
func Parse(data []byte) (*Result, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuditParse, err)
	}

	var (
		list []VulnerablePackage
		err  error
	)
	switch {
	case present(r.Vulnerabilities):
		list, err = fromVulnerabilities(r.Vulnerabilities)
	case present(r.Advisories):
		list, err = fromAdvisories(r.Advisories)
	default:
		return nil, ErrAuditParse
	}
	if err != nil {
		return nil, err
	}

	slices.SortFunc(list, func(a, b VulnerablePackage) int {
		return cmp.Or(
			strings.Compare(a.Name, b.Name),
			strings.Compare(a.Title, b.Title),
			strings.Compare(a.Range, b.Range),
		)
	})

	res := &Result{VulnerablePackages: list}
	if m := r.Metadata.Vulnerabilities; m != nil {
		res.Counts = Counts{
			Info:     m.Info,
			Low:      m.Low,
			Moderate: m.Moderate,
			High:     m.High,
			Critical: m.Critical,
		}
		if m.Total != nil {
			res.Counts.Total = *m.Total
		} else {
			res.Counts.Total = m.Info + m.Low + m.Moderate + m.High + m.Critical
		}
	}
	return res, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func fromVulnerabilities(raw json.RawMessage) ([]VulnerablePackage, error) {
	var entries map[string]vulnerability
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: vulnerabilities: %v", ErrAuditParse, err)
	}

	list := make([]VulnerablePackage, 0, len(entries))
	for key, v := range entries {
		if v.Severity == SeverityInfo {
			continue
		}
		name := v.Name
		if name == "" {
			name = key
		}
		list = append(list, VulnerablePackage{
			Name:     name,
			Severity: v.Severity,
			Title:    firstTitle(v.Via),
			Range:    v.Range,
		})
	}
	return list, nil
}

// firstTitle returns the title of the first object in via. String entries
// name other vulnerable packages and are skipped.
func firstTitle(via []json.RawMessage) string {
	for _, item := range via {
		var obj struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		return obj.Title
	}
	return ""
}

func fromAdvisories(raw json.RawMessage) ([]VulnerablePackage, error) {
	var entries map[string]advisory
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: advisories: %v", ErrAuditParse, err)
	}

	list := make([]VulnerablePackage, 0, len(entries))
	for _, a := range entries {
		list = append(list, VulnerablePackage{
			Name:     a.ModuleName,
			Severity: a.Severity,
			Title:    a.Title,
			Range:    a.VulnerableVersions,
		})
	}
	return list, nil
}
