package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/TinkerUp/sideload-core/types/models"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	activeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#43BF6D"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

// renderTable lays out rows in left-aligned columns sized to their widest cell.
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, title := range header {
		widths[i] = lipgloss.Width(title)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		rendered := make([]string, len(cells))
		for i, cell := range cells {
			rendered[i] = cellStyle.Width(widths[i] + 2).Render(style.Render(cell))
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, rendered...), " ")
	}

	var sb strings.Builder
	sb.WriteString(line(header, headerStyle))
	sb.WriteString("\n")
	for _, row := range rows {
		sb.WriteString(line(row, lipgloss.NewStyle()))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderDevices(devices []models.Device, active models.Device, hasActive bool) string {
	if len(devices) == 0 {
		return dimStyle.Render("no devices connected") + "\n"
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		marker := " "
		if hasActive && d.Serial == active.Serial {
			marker = activeStyle.Render("*")
		}
		rows = append(rows, []string{
			marker,
			d.HashedID,
			string(d.ConnectionKind),
			d.FriendlyName,
			string(d.State),
			storageSummary(d.Storage),
			batterySummary(d.BatteryLevel),
		})
	}

	return renderTable([]string{"", "ID", "CONNECTION", "NAME", "STATE", "STORAGE", "BATTERY"}, rows)
}

func storageSummary(storage models.StorageStats) string {
	if storage.TotalBytes == 0 {
		return "-"
	}
	return fmt.Sprintf("%s free of %s", humanize.Bytes(storage.FreeBytes), humanize.Bytes(storage.TotalBytes))
}

func batterySummary(level int) string {
	if level <= 0 {
		return "-"
	}
	return strconv.Itoa(level) + "%"
}

func renderBackups(backups []models.Backup) string {
	if len(backups) == 0 {
		return dimStyle.Render("no backups") + "\n"
	}

	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		rows = append(rows, []string{
			b.Name,
			b.PackageName,
			humanize.Time(b.Timestamp),
			b.Contents(),
		})
	}
	return renderTable([]string{"NAME", "PACKAGE", "CREATED", "CONTENTS"}, rows)
}

func renderTaskStatus(info models.TaskInfo) string {
	status := info.Status
	if info.Progress != "" {
		status += " " + dimStyle.Render(info.Progress)
	}
	return fmt.Sprintf("%s: %s", info.Name, status)
}

func renderTaskResult(info models.TaskInfo) string {
	if info.Result.IsSuccess() {
		return successStyle.Render(fmt.Sprintf("%s: %s", info.Name, info.Status))
	}
	return errorStyle.Render(fmt.Sprintf("%s: %s", info.Name, info.Status))
}
