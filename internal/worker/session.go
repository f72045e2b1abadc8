package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/task"
)

// Session drives an external interactive agent process. The agent runs
// inside the worktree and reports progress as line-oriented JSON events
// on stdout; everything else on the line is treated as terminal noise
// and filtered. Commit refs are not self-reported: on session end they
// are derived by diffing the worktree's history against its start
// point, which stays correct even when the agent commits on its own.
type Session struct {
	Command []string // argv of the agent process; Command[0] is the binary
}

// sessionEvent is one line of the agent's event stream.
type sessionEvent struct {
	Type string `json:"type"` // "text", "tool_use" or "result"
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
	OK   *bool  `json:"ok,omitempty"`
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[@-~]|\x1b\][^\x07]*\x07|[\x00-\x08\x0b-\x1f\x7f]`)

// stripANSI removes terminal control sequences so log sinks only see
// printable content.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

func (s Session) Run(ctx context.Context, t *task.Task, env Env) (*Result, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("session worker: no agent command configured")
	}

	startRef, err := gitx.Head(ctx, env.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("session worker: resolve start point: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = env.WorktreePath
	cmd.Stderr = env.Stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session worker: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("session worker: start agent: %w", err)
	}

	res := &Result{Metadata: map[string]string{"worker": "session", "agent": s.Command[0]}}
	res.Summary = consumeEvents(out, env.Stdout)

	waitErr := cmd.Wait()

	refs, refErr := gitx.RevList(ctx, env.WorktreePath, startRef, "HEAD")
	if refErr == nil {
		res.CommitRefs = refs
	}

	if waitErr != nil {
		return res, fmt.Errorf("agent exited: %w", waitErr)
	}
	if refErr != nil {
		return res, fmt.Errorf("derive commit refs: %w", refErr)
	}
	return res, nil
}

// consumeEvents scans the agent's stdout line by line, forwarding text
// and tool-use events to the sink and returning the final result text.
func consumeEvents(r io.Reader, sink io.Writer) string {
	var summary strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := stripANSI(sc.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev sessionEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Non-event chatter still lands in the log.
			fmt.Fprintln(sink, line)
			continue
		}
		switch ev.Type {
		case "text":
			fmt.Fprintln(sink, ev.Text)
		case "tool_use":
			fmt.Fprintf(sink, "[tool] %s\n", ev.Name)
		case "result":
			summary.WriteString(ev.Text)
		}
	}
	return summary.String()
}
