package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		headerCells[i] = t.styles.TableHeader.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	seps := make([]string, len(t.columns))
	for i, col := range t.columns {
		seps[i] = t.styles.Muted.Render(strings.Repeat("─", col.Width))
	}
	b.WriteString(strings.Join(seps, " ") + "\n")

	for _, row := range t.rows {
		rowCells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			if lipgloss.Width(cell) > col.Width && col.Width > 3 {
				cell = truncate(cell, col.Width)
			}
			rowCells[i] = lipgloss.NewStyle().Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(rowCells, " ") + "\n")
	}

	return b.String()
}

// truncate shortens plain text to width, keeping the tail, which is the
// distinguishing part of paths.
func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return ".." + string(r[len(r)-(width-2):])
}

// RenderSessions renders the journaled sessions as a table.
func RenderSessions(sessions []*database.Session, now time.Time) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Sessions") + "\n")

	if len(sessions) == 0 {
		b.WriteString(styles.Muted.Render("  No sessions found") + "\n")
		return b.String()
	}

	t := NewTable([]Column{
		{Title: "", Width: 2},
		{Title: "SESSION", Width: 30},
		{Title: "STATUS", Width: 12},
		{Title: "IMAGE", Width: 32},
		{Title: "MOUNT ROOT", Width: 24},
		{Title: "LOOP", Width: 12},
		{Title: "MOUNTS", Width: 6},
		{Title: "STARTED", Width: 16},
	})
	for _, s := range sessions {
		t.AddRow(Row{
			styles.StatusIcon(s.Status),
			s.SessionID,
			s.Status,
			s.ImagePath,
			s.MountRoot,
			valueOr(s.LoopDevice, "-"),
			fmt.Sprintf("%d", len(s.Mounts)),
			humanize.RelTime(s.CreatedAt, now, "ago", "from now"),
		})
	}
	b.WriteString(t.Render())

	fmt.Fprintf(&b, "\n%s %d sessions\n", styles.Muted.Render("Total:"), len(sessions))
	return b.String()
}

// RenderSetupResult renders a prepared root for the user.
func RenderSetupResult(res *xchroot.SetupResult) string {
	styles := DefaultStyles()
	lines := []string{
		styles.Success.Render(SymbolSuccess) + " " + styles.Title.UnsetMarginBottom().Render("Root prepared"),
		fmt.Sprintf("%s %s", styles.Muted.Render("session:"), res.SessionID),
		fmt.Sprintf("%s %s", styles.Muted.Render("mount root:"), res.MountRoot),
		fmt.Sprintf("%s %s", styles.Muted.Render("loop device:"), res.LoopDevice),
		fmt.Sprintf("%s %s (%s)", styles.Muted.Render("root:"), res.RootDevice, valueOr(res.RootFSType, "unknown")),
	}
	if res.EFIDevice != "" {
		lines = append(lines, fmt.Sprintf("%s %s", styles.Muted.Render("efi:"), res.EFIDevice))
	}
	if res.Grown {
		lines = append(lines, styles.Info.Render(SymbolArrow+" image, root partition and filesystem grown"))
	}
	return styles.Box.Render(strings.Join(lines, "\n")) + "\n"
}

// RenderTeardownReport renders the steps and warnings of a teardown.
func RenderTeardownReport(r *xchroot.TeardownReport) string {
	styles := DefaultStyles()
	var b strings.Builder

	status := "success"
	switch {
	case r.Fallback:
		status = "fallback"
	case len(r.Warnings) > 0:
		status = "warning"
	}
	fmt.Fprintf(&b, "%s %s\n", styles.StatusIcon(status), styles.SectionHead.Render("Teardown "+r.SessionID))

	for _, step := range r.Steps {
		fmt.Fprintf(&b, "  %s %s\n", styles.Muted.Render(SymbolBullet), step)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  %s %s\n", styles.Warning.Render(SymbolWarning), w)
	}
	if r.Fallback {
		b.WriteString("  " + styles.Warning.Render("forced lazy unmount and loop detach were used") + "\n")
	}
	return b.String()
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
