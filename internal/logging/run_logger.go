package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RunLogger writes the audit trail of one mindmap run to its own file so the
// final shape of the tree can be explained afterwards. Every method is safe
// on a nil receiver, which disables auditing.
type RunLogger struct {
	runID     string
	path      string
	out       io.WriteCloser
	mutex     sync.Mutex
	startTime time.Time
}

// StartRunLogging creates <dir>/mindmap_<runID>_<timestamp>.log
func StartRunLogging(dir, runID string) (*RunLogger, error) {
	if dir == "" {
		dir = "mindmap_logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("mindmap_%s_%s.log", runID, timestamp))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	r := newRunLogger(runID, f)
	r.path = path
	return r, nil
}

func newRunLogger(runID string, out io.WriteCloser) *RunLogger {
	r := &RunLogger{
		runID:     runID,
		out:       out,
		startTime: time.Now(),
	}
	fmt.Fprintf(r.out, "MINDMAP RUN LOG\nRun ID: %s\nStart Time: %s\nLog Format: [HH:MM:SS.mmm] [+duration] message\n\n",
		runID, r.startTime.Format("2006-01-02 15:04:05"))
	return r
}

// Path returns the audit file location
func (r *RunLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Log writes a message to the run log and mirrors it to zerolog
func (r *RunLogger) Log(format string, args ...interface{}) {
	if r == nil {
		return
	}

	message := fmt.Sprintf(format, args...)

	r.mutex.Lock()
	if r.out != nil {
		elapsed := time.Since(r.startTime).Round(time.Millisecond)
		fmt.Fprintf(r.out, "[%s] [+%v] %s\n", time.Now().Format("15:04:05.000"), elapsed, message)
	}
	r.mutex.Unlock()

	log.WithLevel(levelFor(message)).Str("run_id", r.runID).Msg(message)
}

// LogSection writes a section header to the log
func (r *RunLogger) LogSection(title string) {
	if r == nil {
		return
	}
	separator := strings.Repeat("=", 80)
	r.Log("%s", separator)
	r.Log("= %s", title)
	r.Log("%s", separator)
}

// LogDecision records why a node was or was not expanded
func (r *RunLogger) LogDecision(nodeID string, depth int, decision, reasoning string, files, lines int) {
	if r == nil {
		return
	}
	r.Log("DECISION node=%s depth=%d decision=%s files=%d lines=%d reason=%q",
		nodeID, depth, decision, files, lines, Truncate(reasoning, 300))
}

// LogMerge records that absorbed nodes were folded into survivor
func (r *RunLogger) LogMerge(survivorID string, absorbedIDs []string, reason string) {
	if r == nil {
		return
	}
	r.Log("MERGE into=%s absorbed=%s reason=%q", survivorID, strings.Join(absorbedIDs, ","), Truncate(reason, 300))
}

// LogError logs an error
func (r *RunLogger) LogError(context string, err error) {
	if r == nil {
		return
	}
	r.Log("ERROR in %s: %v", context, err)
}

// Close finalizes the log file
func (r *RunLogger) Close() {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.out == nil {
		return
	}
	elapsed := time.Since(r.startTime).Round(time.Millisecond)
	fmt.Fprintf(r.out, "[%s] [+%v] Run logging completed. Total duration: %v\n",
		time.Now().Format("15:04:05.000"), elapsed, elapsed)
	r.out.Close()
	r.out = nil
}

// levelFor picks a zerolog level from message keywords. Audit lines are
// debug unless they report trouble.
func levelFor(message string) zerolog.Level {
	lower := strings.ToLower(message)
	switch {
	case strings.HasPrefix(lower, "error"):
		return zerolog.WarnLevel
	case strings.Contains(lower, "fallback"), strings.Contains(lower, "violation"):
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// Truncate shortens s to maxLen bytes, marking the cut with "..."
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
