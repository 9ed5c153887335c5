package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset   = "\033[0m"
	colorDim     = "\033[2m"
	colorGreen   = "\033[92m"
	colorYellow  = "\033[93m"
	colorRed     = "\033[91m"
	colorCyan    = "\033[96m"
	colorMagenta = "\033[95m"
)

// Screen layout used by serve: banner rows, one dashboard row, then the
// scrolling log region.
const (
	dashboardRow = 10
	logTopRow    = 12
)

// termMu serializes every terminal write so log lines cannot land inside
// the dashboard's cursor save/restore sequence.
var termMu sync.Mutex

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a writer for log.SetOutput while the dashboard is on.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

const bannerArt = `
    ____  ____        ___   _____________   ________
   / __ \/ __ )      /   | / ____/ ____/ | / /_  __/
  / / / / __  |_____/ /| |/ / __/ __/ /  |/ / / /
 / /_/ / /_/ /_____/ ___ / /_/ / /___/ /|  / / /
/_____/_____/     /_/  |_\____/_____/_/ |_/ /_/

      >> ASK YOUR DATABASE, READ-ONLY <<`

func PrintBanner() {
	fmt.Print("\033[2J\033[H")
	width := termWidth()
	for _, l := range strings.Split(bannerArt, "\n") {
		pad := max((width-len(l))/2, 0)
		fmt.Printf("%s%s%s%s\n", strings.Repeat(" ", pad), colorCyan, l, colorReset)
	}
}

// InitializeTerminal confines scrolling output below the dashboard row.
func InitializeTerminal() {
	fmt.Printf("\033[%d;r", logTopRow)
	fmt.Printf("\033[%d;1H", logTopRow)
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

func pulse(sinceHeartbeat time.Duration) (color, text string) {
	switch {
	case sinceHeartbeat < 40*time.Second:
		return colorGreen, "HEALTHY"
	case sinceHeartbeat < 90*time.Second:
		return colorYellow, "LAGGING"
	default:
		return colorRed, "OFFLINE"
	}
}

func shorten(question string, n int) string {
	if question == "" {
		return "waiting for questions"
	}
	r := []rune(question)
	if len(r) <= n {
		return question
	}
	return string(r[:n-1]) + "…"
}

// PrintLiveStatus redraws the dashboard row: heartbeat health, what the
// agent is doing, and running totals of runs, steps and guard rejections.
func PrintLiveStatus() {
	s := CurrentSnapshot()
	pulseColor, pulseText := pulse(time.Since(s.LastHeartbeat))

	roleColor := colorDim
	switch s.Role {
	case RoleExploring:
		roleColor = colorCyan
	case RoleScheduled:
		roleColor = colorMagenta
	}

	outcome := s.LastOutcome
	if outcome == "" {
		outcome = "-"
	}

	line := fmt.Sprintf(
		"\033[s\033[%d;1H\033[K%s%-7s%s | %s%-9s%s %q | in flight %d | runs %d (last: %s) | steps %d | rejected sql %d | up %v\033[u",
		dashboardRow,
		pulseColor, pulseText, colorReset,
		roleColor, s.Role, colorReset, shorten(s.Question, 30),
		s.InFlight, s.Runs, outcome, s.Steps, s.Rejections,
		time.Since(startTime).Round(time.Second),
	)

	termMu.Lock()
	fmt.Print(line)
	termMu.Unlock()
}
