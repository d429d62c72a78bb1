package cmedit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openfroyo/cmimport/pkg/engine"
)

const (
	importCmd  = "cmedit import -f file:%s"
	statusCmd  = "cmedit import -st -j %s"
	historyCmd = "config history -s Live --importjob %s"

	// RemoveUndoJobCmd removes an undo job from the remote system.
	RemoveUndoJobCmd = "config undo --remove --job %s"
)

// Remote job statuses reported by cmedit import -st.
const (
	StatusCompleted = "COMPLETED"
	StatusExecuted  = "EXECUTED"
	StatusFailed    = "FAILED"
)

var (
	jobIDPattern     = regexp.MustCompile(`(?i)job\s+(?:id\s+)?(\d+)`)
	errorLinePattern = regexp.MustCompile(`^\s*Error\s+\d+\s*:`)
)

// ImportCommand builds the cmedit import command for a change-set stored
// under fileName in the remote working directory.
func ImportCommand(req *engine.ImportRequest, fileName string) string {
	parts := []string{fmt.Sprintf(importCmd, fileName)}
	if req.FileFormat != "" {
		parts = append(parts, "--filetype", string(req.FileFormat))
	}
	config := req.ConfigName
	if config == "" {
		config = "Live"
	}
	parts = append(parts, "-t", config)
	if req.Flow == engine.FlowNonLive {
		parts = append(parts, "-nc")
	}
	if len(req.ExecutionPolicy) > 0 {
		parts = append(parts, "--error", "node")
	}
	return strings.Join(parts, " ")
}

// StatusCommand builds the command reporting the status of an import job.
func StatusCommand(jobID string) string { return fmt.Sprintf(statusCmd, jobID) }

// HistoryCommand builds the command listing the history of an import job.
func HistoryCommand(jobID string) string { return fmt.Sprintf(historyCmd, jobID) }

// ParseJobID extracts the import job id from the output of an import command.
func ParseJobID(lines []string) (string, error) {
	for _, line := range lines {
		if m := jobIDPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("no job id in import response: %q", strings.Join(lines, "\n"))
}

// FirstError returns the first "Error <code> : ..." line, or "".
func FirstError(lines []string) string {
	for _, line := range lines {
		if errorLinePattern.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// ParseJobStatus returns the status reported for jobID, or "" when the
// output has no row for it. Rows start with the job id followed by the status.
func ParseJobStatus(lines []string, jobID string) string {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == jobID {
			return strings.ToUpper(fields[1])
		}
	}
	for _, line := range lines {
		for _, f := range strings.Fields(line) {
			switch s := strings.ToUpper(strings.Trim(f, ".,:;")); s {
			case StatusCompleted, StatusExecuted, StatusFailed:
				return s
			}
		}
	}
	return ""
}

// ParseHistoryCount returns the change count of a config history listing:
// the leading integer of the last line mentioning "change(s)".
func ParseHistoryCount(lines []string) (int, error) {
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.Contains(lines[i], "change(s)") {
			continue
		}
		fields := strings.Fields(lines[i])
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("malformed history summary %q: %w", lines[i], err)
		}
		return n, nil
	}
	return 0, engine.ErrTotalChangesUnidentified
}
