package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/depdeck/internal/audit"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/inventory"
	"github.com/fyrsmithlabs/depdeck/internal/process"
	"github.com/fyrsmithlabs/depdeck/internal/scanner"
	"github.com/fyrsmithlabs/depdeck/internal/search"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51")).
			MarginBottom(1)

	columnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("45"))

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// cell pads s to width so rows line up. Longer values widen the cell
// instead of wrapping.
func cell(style lipgloss.Style, width int, s string) string {
	return style.Width(max(width, lipgloss.Width(s)+1)).Render(s)
}

// widest returns the column width fitting every value, plus a gutter.
func widest(floor int, values ...string) int {
	w := floor
	for _, v := range values {
		w = max(w, lipgloss.Width(v))
	}
	return w + 2
}

func renderProjects(root string, projects []scanner.Project) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%d project(s) under %s", len(projects), root)))
	sb.WriteString("\n")

	if len(projects) == 0 {
		sb.WriteString(dimStyle.Render("No package.json found."))
		return sb.String()
	}

	names := make([]string, len(projects))
	for i, p := range projects {
		names[i] = p.Name
	}
	nameW := widest(len("NAME"), names...)

	sb.WriteString(cell(columnStyle, nameW, "NAME") + cell(columnStyle, 12, "VERSION") + columnStyle.Render("PATH"))
	for _, p := range projects {
		flags := ""
		if !p.HasNodeModules {
			flags += " " + warnStyle.Render("not installed")
		}
		if !p.IsWritable {
			flags += " " + errorStyle.Render("read-only")
		}
		sb.WriteString("\n")
		sb.WriteString(cell(nameStyle, nameW, p.Name) + cell(dimStyle, 12, p.Version) + p.Path + flags)
	}
	return sb.String()
}

// statusStyle colors an update status by urgency.
func statusStyle(s inventory.UpdateStatus) lipgloss.Style {
	switch s {
	case inventory.UpToDate:
		return okStyle
	case inventory.Minor:
		return warnStyle
	case inventory.Major, inventory.Error:
		return errorStyle
	default:
		return dimStyle
	}
}

func renderPackages(project string, pkgs []inventory.Package) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%d package(s) in %s", len(pkgs), project)))
	sb.WriteString("\n")

	if len(pkgs) == 0 {
		sb.WriteString(dimStyle.Render("No dependencies declared."))
		return sb.String()
	}

	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.Name
		if p.IsDev {
			names[i] += " (dev)"
		}
	}
	nameW := widest(len("PACKAGE"), names...)

	sb.WriteString(cell(columnStyle, nameW, "PACKAGE") +
		cell(columnStyle, 14, "CURRENT") +
		cell(columnStyle, 14, "WANTED") +
		cell(columnStyle, 14, "LATEST") +
		columnStyle.Render("STATUS"))
	for _, p := range pkgs {
		name := p.Name
		if p.IsDev {
			name += dimStyle.Render(" (dev)")
		}
		sb.WriteString("\n")
		sb.WriteString(cell(nameStyle, nameW, name) +
			cell(nameStyle, 14, p.CurrentVersion) +
			cell(dimStyle, 14, orDash(p.WantedVersion)) +
			cell(dimStyle, 14, orDash(p.LatestVersion)) +
			statusStyle(p.UpdateStatus).Render(string(p.UpdateStatus)))
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderApplied(name, version string) string {
	return okStyle.Render("✓") + " installed " + nameStyle.Render(name+"@"+version)
}

// renderLine prints one streamed npm line; stderr is dimmed.
func renderLine(l process.Line) string {
	if l.Source == process.Stderr {
		return dimStyle.Render(l.Text)
	}
	return l.Text
}

func renderDone(project string) string {
	return okStyle.Render("✓") + " done in " + project
}

// severityStyle colors an audit severity.
func severityStyle(severity string) lipgloss.Style {
	switch severity {
	case audit.SeverityCritical, audit.SeverityHigh:
		return errorStyle
	case audit.SeverityModerate:
		return warnStyle
	default:
		return dimStyle
	}
}

func renderAudit(project string, r *audit.Result) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Audit of " + project))
	sb.WriteString("\n")

	c := r.Counts
	if c.Total == 0 {
		sb.WriteString(okStyle.Render("✓ No known vulnerabilities"))
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s  (total %d)",
		columnStyle.Render("critical"), severityStyle(audit.SeverityCritical).Render(fmt.Sprint(c.Critical)),
		columnStyle.Render("high"), severityStyle(audit.SeverityHigh).Render(fmt.Sprint(c.High)),
		columnStyle.Render("moderate"), severityStyle(audit.SeverityModerate).Render(fmt.Sprint(c.Moderate)),
		columnStyle.Render("low"), severityStyle(audit.SeverityLow).Render(fmt.Sprint(c.Low)),
		columnStyle.Render("info"), severityStyle(audit.SeverityInfo).Render(fmt.Sprint(c.Info)),
		c.Total))

	if len(r.VulnerablePackages) == 0 {
		return sb.String()
	}

	names := make([]string, len(r.VulnerablePackages))
	for i, v := range r.VulnerablePackages {
		names[i] = v.Name
	}
	nameW := widest(len("PACKAGE"), names...)

	sb.WriteString("\n\n")
	sb.WriteString(cell(columnStyle, nameW, "PACKAGE") + cell(columnStyle, 10, "SEVERITY") + cell(columnStyle, 20, "RANGE") + columnStyle.Render("TITLE"))
	for _, v := range r.VulnerablePackages {
		sb.WriteString("\n")
		sb.WriteString(cell(nameStyle, nameW, v.Name) +
			cell(severityStyle(v.Severity), 10, v.Severity) +
			cell(dimStyle, 20, v.Range) +
			v.Title)
	}
	return sb.String()
}

func renderSearch(query string, results []search.Result) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%d match(es) for %q", len(results), query)))

	for _, r := range results {
		sb.WriteString("\n")
		sb.WriteString(highlight(r.Package.Name, r.Matched))
		sb.WriteString(" ")
		sb.WriteString(statusStyle(r.Package.UpdateStatus).Render(r.Package.CurrentVersion))
		sb.WriteString(dimStyle.Render("  " + r.Project.Name + "  " + r.Project.Path))
	}
	return sb.String()
}

// highlight emphasizes the matched byte offsets of name.
func highlight(name string, matched []int) string {
	hit := make(map[int]bool, len(matched))
	for _, i := range matched {
		hit[i] = true
	}
	var sb strings.Builder
	for i, r := range name {
		if hit[i] {
			sb.WriteString(warnStyle.Render(string(r)))
		} else {
			sb.WriteString(nameStyle.Render(string(r)))
		}
	}
	return sb.String()
}

func renderHistory(name string, entries []history.Entry) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("History of " + name))
	sb.WriteString("\n")

	if len(entries) == 0 {
		sb.WriteString(dimStyle.Render("No recorded changes."))
		return sb.String()
	}

	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(cell(dimStyle, 22, e.Date) +
			cell(kindStyle(e.Kind), 11, string(e.Kind)) +
			e.From + " → " + nameStyle.Render(e.To))
		if e.Note != nil {
			sb.WriteString(dimStyle.Render("  " + *e.Note))
		}
	}
	return sb.String()
}

func kindStyle(k history.Kind) lipgloss.Style {
	switch k {
	case history.Upgrade:
		return okStyle
	case history.Downgrade, history.Rollback:
		return warnStyle
	default:
		return dimStyle
	}
}

// renderError formats a command failure. Install and audit failures
// already carry npm's stderr in their message.
func renderError(err error) string {
	return errorStyle.Render("✗") + " " + err.Error()
}
