package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Evidence file names inside the output directory.
const (
	RawEventsFile = "raw-events.jsonl"
	NarrativeFile = "auth-tests.txt"
	SummaryFile   = "scan-summary.json"
)

// Finding is the verdict (or plain observation) of one security check.
type Finding struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Evidence string `json:"evidence"`
	Observed any    `json:"observed"`
}

// Run is the scan summary.
type Run struct {
	Target    string    `json:"target"`
	UserAgent string    `json:"user_agent"`
	Started   string    `json:"started"`
	Finished  string    `json:"finished,omitempty"`
	Tests     []Result  `json:"tests"`
	Findings  []Finding `json:"findings"`
	// Error is the fatal error that ended the scan early, if any.
	Error string `json:"error,omitempty"`
}

// evidence appends probe results and narrative lines to their sinks and
// accumulates them into the run.
type evidence struct {
	raw       io.Writer
	narrative io.Writer
	run       *Run
}

func (e *evidence) record(res Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := e.raw.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", RawEventsFile, err)
	}
	e.run.Tests = append(e.run.Tests, res)
	return nil
}

func (e *evidence) logf(format string, args ...any) error {
	if _, err := fmt.Fprintf(e.narrative, format+"\n", args...); err != nil {
		return fmt.Errorf("write %s: %w", NarrativeFile, err)
	}
	return nil
}

func (e *evidence) finding(f Finding) {
	e.run.Findings = append(e.run.Findings, f)
}

// writeSummary writes the run as indented JSON, creating the directory if
// needed.
func writeSummary(path string, run *Run) error {
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", SummaryFile, err)
	}
	return nil
}

// AppendFatal records a fatal error at the end of the narrative log.
func AppendFatal(dir string, cause error, at time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, NarrativeFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	_, err = fmt.Fprintf(f, "\n[%s] FATAL %v\n", at.UTC().Format(tsLayout), cause)
	return err
}
