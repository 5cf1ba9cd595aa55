package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/pipeline"
	"github.com/goliatone/go-triage/ratelimit"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	labelStyle = lipgloss.NewStyle().Width(14)
)

func printRunReport(w io.Writer, report pipeline.RunReport) {
	status := okStyle.Render(string(report.Status))
	if report.Status != pipeline.RunStatusCompleted {
		status = errStyle.Render(string(report.Status))
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(report.RunID), dimStyle.Render(report.UserID), status)
	for _, stage := range report.Stages {
		outcome := string(stage.Outcome)
		switch stage.Outcome {
		case pipeline.StageExecuted:
			outcome = okStyle.Render(outcome)
		case pipeline.StageFailed:
			outcome = errStyle.Render(outcome)
		default:
			outcome = dimStyle.Render(outcome)
		}
		line := fmt.Sprintf("  %s %s v%d", labelStyle.Render(stage.Stage), outcome, stage.Version)
		if stage.Duration > 0 {
			line += dimStyle.Render(" " + stage.Duration.Round(time.Millisecond).String())
		}
		if stage.Degraded {
			line += " " + warnStyle.Render("degraded: "+stage.DegradedReason)
		}
		if stage.Err != nil {
			line += " " + errStyle.Render(core.UserMessage(stage.Err))
		}
		fmt.Fprintln(w, line)
	}
}

func printArtifacts(w io.Writer, runID string, artifacts []core.Artifact) {
	fmt.Fprintln(w, titleStyle.Render(runID))
	if len(artifacts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no artifacts"))
		return
	}
	for _, artifact := range artifacts {
		status := string(artifact.Status)
		if artifact.Status == core.ArtifactStatusComplete {
			status = okStyle.Render(status)
		} else {
			status = errStyle.Render(status)
		}
		line := fmt.Sprintf("  %s %s v%d %s", labelStyle.Render(artifact.Stage), status, artifact.Version, dimStyle.Render(shortDigest(artifact.Digest)))
		if artifact.Degraded {
			line += " " + warnStyle.Render("degraded")
		}
		if artifact.Error != "" {
			line += " " + errStyle.Render(artifact.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func printUsage(w io.Writer, scope string, usage ratelimit.Usage) {
	style := okStyle
	if !usage.CanAdmit {
		style = errStyle
	} else if usage.Percent >= 80 {
		style = warnStyle
	}
	fmt.Fprintf(w, "%s %s %s\n",
		labelStyle.Render(scope),
		style.Render(fmt.Sprintf("%d/%d (%.1f%%)", usage.Used, usage.Limit, usage.Percent)),
		dimStyle.Render(fmt.Sprintf("%d requests in %s", usage.Requests, usage.Window)),
	)
}

func printStats(w io.Writer, userID string, stats core.ProcessedStats) {
	fmt.Fprintf(w, "%s %d processed, %d in the last 24h\n", labelStyle.Render(userID), stats.Total, stats.Last24h)
	for _, category := range slices.Sorted(maps.Keys(stats.ByCategory)) {
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(strings.ToLower(category)), stats.ByCategory[category])
	}
}

func printRefreshOutcomes(w io.Writer, outcomes []core.RefreshOutcome) {
	for _, outcome := range outcomes {
		if outcome.Error != "" {
			fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render(outcome.UserID), errStyle.Render(string(outcome.State)), outcome.Error)
			continue
		}
		fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render(outcome.UserID), okStyle.Render(string(outcome.State)),
			dimStyle.Render("expires "+outcome.ExpiresAt.Local().Format(time.DateTime)))
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, errStyle.Render("error: ")+err.Error())
	if hint := core.UserMessage(err); hint != "" && hint != err.Error() {
		fmt.Fprintln(w, warnStyle.Render("hint: ")+hint)
	}
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
