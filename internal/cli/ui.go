package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/buildkite/clientgrid/client"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/descriptor"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "clientgrid"
	}

	var out strings.Builder
	icon := "⛓"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	return out.String()
}

func renderDoctorReport(subject string, checks []client.DoctorCheck, color bool) string {
	name := strings.TrimSpace(subject)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		icon := "?"
		code := "1;37"
		switch status {
		case "pass":
			icon, code = "✓", "1;32"
		case "warn":
			icon, code = "!", "1;33"
		case "fail":
			icon, code = "✗", "1;31"
		}
		statusBlock := fmt.Sprintf("%s [%s]", icon, status)
		if color {
			statusBlock = ansiWrap(code, statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		fmt.Fprintf(&out, "%s %s: %s\n", statusBlock, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')

	return out.String()
}

func renderCatalog(descriptors []descriptor.Descriptor) string {
	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSOURCE\tFLAGS")
	for _, d := range descriptors {
		kind := "invalid"
		if k, err := d.Backend(); err == nil {
			kind = string(k)
		}
		source := d.Repository
		if d.Image != "" {
			source = d.Image
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, kind, source, strings.Join(d.Flags, " "))
	}
	_ = tw.Flush()
	return out.String()
}

func renderSnapshot(snap client.Snapshot) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s %s (%s)\n", snap.ID, stateLabel(snap.State), snap.Name)
	if snap.IPC != "" {
		fmt.Fprintf(&out, "  ipc: %s\n", snap.IPC)
	}
	if snap.RPCURL != "" {
		fmt.Fprintf(&out, "  rpc_url: %s\n", snap.RPCURL)
	}
	return out.String()
}

func renderRecords(records []clientstore.Record, now time.Time) string {
	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATE\tRPC\tUPDATED")
	for _, r := range records {
		rpc := r.RPCURL
		if rpc == "" {
			rpc = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Kind, r.State, rpc, humanizeAge(r.UpdatedAt, now))
	}
	_ = tw.Flush()
	return out.String()
}

func renderHistory(record clientstore.Record, history []clientstore.Transition) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s %s (%s, %s)\n", record.ID, record.State, record.Name, record.Kind)
	for _, transition := range history {
		fmt.Fprintf(&out, "  %s  %s\n", transition.At.UTC().Format(time.RFC3339), transition.State)
	}
	return out.String()
}

var stateStyles = map[client.State]lipgloss.Style{
	client.StateStarted:      lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	client.StateIPCReady:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
	client.StateHTTPRPCReady: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
	client.StateStopped:      lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
	client.StateError:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
}

// stateLabel renders state in its color; lipgloss degrades to plain text
// when the output has no color profile.
func stateLabel(state client.State) string {
	style, ok := stateStyles[state]
	if !ok {
		return string(state)
	}
	return style.Render(string(state))
}

// progressLogger logs acquisition and start progress. Download and pull
// progress is reported in 10% steps per layer or file.
func progressLogger(logger *log.Logger) func(client.ProgressEvent) {
	var mu sync.Mutex
	steps := map[string]int{}
	return func(event client.ProgressEvent) {
		switch event.Kind {
		case client.ProgressDownload, client.ProgressPullProgress:
			step := int(event.Progress) / 10
			key := string(event.Kind) + "/" + event.ID
			mu.Lock()
			prev, seen := steps[key]
			if seen && step <= prev {
				mu.Unlock()
				return
			}
			steps[key] = step
			mu.Unlock()
			logger.Info(strings.ReplaceAll(string(event.Kind), "_", " "), "item", event.ID, "percent", fmt.Sprintf("%.0f", event.Progress), "size", event.Message)
		case client.ProgressBuildLog:
			logger.Debug("image build", "message", strings.TrimSpace(event.Message))
		default:
			logger.Debug(strings.ReplaceAll(string(event.Kind), "_", " "), "name", event.Name, "flags", event.Flags)
		}
	}
}

func asFile(w io.Writer) *os.File {
	f, _ := w.(*os.File)
	return f
}

func shouldShowStartupHeader(w io.Writer) bool {
	f := asFile(w)
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func shouldUseANSI(w io.Writer) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	f := asFile(w)
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
