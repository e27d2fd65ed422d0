package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/marathon/internal/config"
	"github.com/ShayCichocki/marathon/internal/orchestrator"
	"github.com/ShayCichocki/marathon/internal/progress"
	"github.com/ShayCichocki/marathon/internal/state"
)

var (
	statusProjectDir string
	statusNext       int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task list progress and recent sessions",
	Long: `Display the state of a marathon project.

Shows:
  - Passing and total tasks, overall and per category
  - The next pending tasks in selection order
  - Recent session attempts from the run history`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProjectDir, "project-dir", "", "Project directory (default from config)")
	statusCmd.Flags().IntVar(&statusNext, "next", 5, "Number of pending tasks to show")
}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true)

	progressFull = lipgloss.NewStyle().
			Foreground(lipgloss.Color("34"))

	progressEmpty = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

const progressBarWidth = 30

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	projectDir, err := projectDirFor(statusProjectDir, cfg)
	if err != nil {
		return err
	}

	store := progress.ForProject(projectDir, cfg.Paths.TaskList)
	if !store.Exists() {
		fmt.Printf("No task list at %s. Run 'marathon run' to start.\n", store.Path())
		return nil
	}
	counts, err := store.CategoryCounts()
	if err != nil {
		return err
	}

	fmt.Println(boxStyle.Render(renderProgress(projectDir, store.Snapshot(), counts)))

	pending, err := store.NextPending(statusNext)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Println(boxStyle.Render(renderPending(pending)))
	}

	if fileExists(state.ProjectDBPath(projectDir)) {
		db, err := state.OpenProject(projectDir)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()
		attempts, err := db.RecentAttempts(statusNext)
		if err != nil {
			return err
		}
		if len(attempts) > 0 {
			fmt.Println(boxStyle.Render(renderAttempts(attempts, time.Now())))
		}
	}

	if fileExists(filepath.Join(orchestrator.SignalsDir(projectDir), orchestrator.StopFileName)) {
		fmt.Println(warningStyle.Render("A stop has been requested; the running marathon will exit at its next pause."))
	}
	return nil
}

func renderProgress(projectDir string, snap progress.Snapshot, counts map[progress.Category][2]int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Progress") + "\n")
	b.WriteString(renderRow("Project", projectDir) + "\n")
	b.WriteString(renderRow("Passing", valueStyle.Render(fmt.Sprintf("%d / %d (%.1f%%)", snap.Passing, snap.Total, snap.Percent()))) + "\n")
	b.WriteString(renderProgressBar(snap.Percent(), progressBarWidth))

	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		n := counts[progress.Category(c)]
		b.WriteString("\n" + renderRow(c, fmt.Sprintf("%d / %d", n[0], n[1])))
	}
	return b.String()
}

func renderPending(tasks []progress.Task) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Next tasks"))
	for _, t := range tasks {
		b.WriteString(fmt.Sprintf("\n#%-4d %s %s", t.ID, dimStyle.Render(fmt.Sprintf("[%s]", t.Priority)), truncateLine(t.Description, 60)))
	}
	return b.String()
}

func renderAttempts(attempts []state.Attempt, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Recent sessions"))
	for _, a := range attempts {
		line := fmt.Sprintf("session %d (attempt %d) %s %s: %s",
			a.SessionIndex, a.Attempt, a.Kind, a.Model, a.Outcome)
		if a.Outcome == state.AttemptRateLimited {
			line += fmt.Sprintf(", waited %s", formatDuration(time.Duration(a.WaitSeconds)*time.Second))
		}
		line += dimStyle.Render(fmt.Sprintf(" %s ago", formatDuration(now.Sub(a.FinishedAt))))
		b.WriteString("\n" + line)
	}
	return b.String()
}

func renderRow(label, value string) string {
	return labelStyle.Render(label) + " " + value
}

// renderProgressBar renders a progress bar.
func renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	empty := width - filled

	bar := progressFull.Render(strings.Repeat("█", filled)) +
		progressEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("[%s]", bar)
}

func truncateLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
