package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginTop(1).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

var program *tea.Program

type progressMsg float64

type stageDoneMsg stageResult

type errMsg struct{ err error }

type model struct {
	scenario Scenario
	stages   []stage
	current  int
	results  []stageResult
	err      error

	spinner  spinner.Model
	progress progress.Model
	percent  float64
}

func initialModel(sc Scenario, r *runner) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	return model{
		scenario: sc,
		stages:   r.stages(),
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, runStage(m.stages[0]))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = min(msg.Width-10, 80)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case progressMsg:
		m.percent = float64(msg)
		return m, m.progress.SetPercent(m.percent)

	case stageDoneMsg:
		m.results = append(m.results, stageResult(msg))
		m.current++
		m.percent = 0
		if m.current == len(m.stages) {
			return m, tea.Quit
		}
		return m, tea.Batch(m.progress.SetPercent(0), runStage(m.stages[m.current]))

	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Geo Points Demo: " + m.scenario.Name))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(describe(m.scenario)))
	b.WriteString("\n\n")

	if len(m.results) > 0 {
		b.WriteString(renderResults(m.results))
		b.WriteString("\n")
	}

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("✗ " + m.err.Error()))
	case m.current < len(m.stages):
		b.WriteString(subtitleStyle.Render(m.stages[m.current].title))
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View() + " " + m.progress.ViewAs(m.percent))
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("Press 'q' to quit"))
	default:
		b.WriteString(renderVerdict(m.results))
	}
	b.WriteString("\n")
	return b.String()
}

// runStage runs s on the command goroutine and reports progress in whole percents.
func runStage(s stage) tea.Cmd {
	return func() tea.Msg {
		last := -1
		res, err := s.run(context.Background(), func(done, total int) {
			pct := done * 100 / total
			if pct != last {
				last = pct
				program.Send(progressMsg(float64(pct) / 100))
			}
		})
		if err != nil {
			return errMsg{err}
		}
		return stageDoneMsg(res)
	}
}

func describe(sc Scenario) string {
	return fmt.Sprintf("%d points, %d messages each, %d users within %.0f km of (%.4f, %.4f); %d searches of %.1f km",
		sc.Points, sc.MessagesPerPoint, sc.Users, sc.SpreadKm, sc.Latitude, sc.Longitude, sc.Searches, sc.RadiusKm)
}

func renderResults(results []stageResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		check := successStyle.Render("ok")
		if r.Mismatches > 0 {
			check = errorStyle.Render(strconv.Itoa(r.Mismatches) + " mismatched")
		}
		rows = append(rows, []string{
			r.Name,
			strconv.Itoa(r.Ops),
			r.Duration.Round(time.Microsecond).String(),
			statStyle.Render(fmt.Sprintf("%.0f", r.perSecond())),
			fmt.Sprintf("%.1f", r.avgResults()),
			check,
		})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return subtitleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("Stage", "Ops", "Time", "Ops/s", "Avg results", "Brute force").
		Rows(rows...).
		String()
}

func renderVerdict(results []stageResult) string {
	mismatches := 0
	for _, r := range results {
		mismatches += r.Mismatches
	}
	if mismatches > 0 {
		return errorStyle.Render(fmt.Sprintf("✗ %d results disagreed with a brute-force scan", mismatches))
	}
	return successStyle.Render("✓ Every search matched a brute-force scan of the seeded points")
}

// runPlain runs the scenario without the interactive UI, for pipes and CI logs.
func runPlain(w io.Writer, sc Scenario, r *runner) error {
	fmt.Fprintln(w, titleStyle.Render("Geo Points Demo: "+sc.Name))
	fmt.Fprintln(w, describe(sc))

	var results []stageResult
	for _, s := range r.stages() {
		fmt.Fprintln(w, subtitleStyle.Render(s.title+"..."))
		res, err := s.run(context.Background(), func(int, int) {})
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	fmt.Fprintln(w, renderResults(results))
	fmt.Fprintln(w, renderVerdict(results))
	return nil
}

func main() {
	var (
		scenarioFile = flag.String("scenario", "", "YAML scenario file (defaults to the built-in Amsterdam scenario)")
		plain        = flag.Bool("plain", false, "Disable the interactive UI")
		logFile      = flag.String("log", "", "Write debug logs to this file")
	)
	flag.Parse()

	sc, err := loadScenario(*scenarioFile)
	if err != nil {
		log.Fatalf("Invalid scenario: %v", err)
	}

	logOut := io.Discard
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := newRunner(sc, logger)

	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if *plain || !interactive {
		if err := runPlain(os.Stdout, sc, r); err != nil {
			log.Fatalf("Demo failed: %v", err)
		}
		return
	}

	program = tea.NewProgram(initialModel(sc, r))
	final, err := program.Run()
	if err != nil {
		log.Fatalf("Error running program: %v", err)
	}
	if m, ok := final.(model); ok && m.err != nil {
		os.Exit(1)
	}
}
