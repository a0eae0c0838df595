package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/librescoot/cleaning-service/internal/bus"
	"github.com/librescoot/cleaning-service/internal/cleaning"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableNameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
)

type StatusCommand struct {
	Raw bool `long:"raw" description:"Print all hash fields unformatted"`
}

func (c *StatusCommand) Execute(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client := newClient()
	defer client.Close()

	fields, err := client.HGetAll(ctx, bus.StatusHash).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", bus.StatusHash, err)
	}
	if len(fields) == 0 {
		fmt.Println(errorStyle.Render("No status published, is cleaning-service running?"))
		return nil
	}

	if c.Raw {
		fmt.Print(renderRaw(fields))
		return nil
	}
	fmt.Println(renderStatus(fields))
	return nil
}

func renderRaw(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, fields[k])
	}
	return sb.String()
}

func renderStatus(fields map[string]string) string {
	var sb strings.Builder

	sb.WriteString(headerStyle.Render("Cleaning unit"))
	sb.WriteString("\n")

	state := fields["state"]
	if state == "error" {
		state = errorStyle.Render(state + " (" + fields["errors"] + ")")
	}
	overview := [][]string{
		{"Lifecycle", fields["lifecycle"]},
		{"State", state},
		{"Safety", fields["safety-state"]},
	}
	if f := fields["safety-faults"]; f != "" && f != "none" {
		overview = append(overview, []string{"Safety faults", errorStyle.Render(f)})
	}
	if f := fields["fault"]; f != "" {
		overview = append(overview, []string{"Fault", errorStyle.Render(f)})
	}
	overview = append(overview,
		[]string{"Fatal count", fields["fatal"]},
		[]string{"Water level", fields["water-level"]},
		[]string{"Dry run", fields["dry-run"]},
		[]string{"Flow pulses", fields["flow-pulses"]},
	)
	if v, err := strconv.ParseUint(fields["status"], 10, 32); err == nil {
		w := cleaning.UnpackStatus(uint32(v))
		overview = append(overview,
			[]string{"Running", w.Running.String()},
			[]string{"Executing", w.Executing.String()},
		)
	}

	for _, row := range overview {
		fmt.Fprintf(&sb, "%s %s\n", dimStyle.Render(fmt.Sprintf("%-14s", row[0])), row[1])
	}
	sb.WriteString("\n")

	rows := make([][]string, 0, len(cleaning.DeviceNames))
	for _, name := range cleaning.DeviceNames {
		rows = append(rows, []string{
			name,
			fields["status:"+name],
			fields["current:"+name],
			fields["max-current:"+name],
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Device", "Status", "Current (mA)", "Max (mA)").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableNameStyle
			case 1:
				if row >= 0 && row < len(rows) && rows[row][1] == "error" {
					return tableBadStyle
				}
				return tableCellStyle
			default:
				return tableCellStyle
			}
		})
	sb.WriteString(t.Render())
	return sb.String()
}
