package compute

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TailLines is the number of lines of each output file kept in the
// failure text.
const TailLines = 50

// FormatException renders err followed by the tail of the runner's
// stdout, stderr and kim.log found in outputDir.
func FormatException(err error, outputDir string) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString("\n")
	for _, name := range []string{StdoutFile, StderrFile, KIMLogFile} {
		file := filepath.Join(OutputDir, name)
		sb.WriteString(file + ":\n")
		sb.WriteString(strings.Repeat("-", len(file)+1) + "\n")
		t := tail(filepath.Join(outputDir, name), TailLines)
		if t != "" && !strings.HasSuffix(t, "\n") {
			t += "\n"
		}
		sb.WriteString(t + "\n")
	}
	return sb.String()
}

// tail returns the last n lines of path, or "" when it cannot be read.
func tail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() {
		_ = f.Close()
	}()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if len(ring) == 0 {
		return ""
	}
	return strings.Join(ring, "\n") + "\n"
}

// profile collects runtime, creation time, worker identity and the
// profiler's JSON line, which is the last line of stderr.
func (c *Computer) profile(job *Job, work string) {
	info := map[string]any{
		"runtime":    math.Round(job.Runtime*100) / 100,
		"created-at": time.Now().Unix(),
		"worker":     c.workerID,
	}
	if len(job.Properties) > 0 {
		props := make([]any, len(job.Properties))
		for i, p := range job.Properties {
			props[i] = p
		}
		info["properties"] = props
	}
	for k, v := range job.Extra {
		info[k] = v
	}

	if last := strings.TrimSpace(tail(filepath.Join(work, OutputDir, StderrFile), 1)); last != "" {
		var timing map[string]any
		if err := json.Unmarshal([]byte(last), &timing); err == nil {
			for k, v := range timing {
				info[k] = v
			}
		}
	}
	job.Profiling = info
}

// WorkerID identifies this machine. It is derived from the machine id
// when one exists, otherwise it is random.
func WorkerID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id, err := uuid.Parse(strings.TrimSpace(string(b))); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}
