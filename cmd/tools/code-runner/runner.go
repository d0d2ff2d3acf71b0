package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/session"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutput      = 4000
)

// runner executes one snippet per tool call, each in its own session.
type runner struct {
	sessions *session.Manager
	timeout  time.Duration
}

type result struct {
	stdout   string
	stderr   string
	notes    string
	exitCode *int
	timedOut bool
}

func (r *runner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	lang, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)

	if lang == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	res, err := r.execute(ctx, lang, code, stdin)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	text := clip(res.format(), maxOutput)

	failed := res.timedOut || res.exitCode == nil || *res.exitCode != 0
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: failed,
	}, nil
}

// execute runs code to completion, feeding it stdin line by line.
func (r *runner) execute(ctx context.Context, lang, code, stdin string) (*result, error) {
	c := newCollector()
	sess, err := r.sessions.Open(c)
	if err != nil {
		return nil, err
	}
	defer r.sessions.Close(sess.ID)

	// A cancelled call tears the sandbox down even mid-provisioning.
	stop := context.AfterFunc(ctx, func() { r.sessions.Close(sess.ID) })
	defer stop()

	if _, err := sess.Start(session.StartRequest{Language: lang, Code: code}); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if notes := c.result().notes; notes != "" {
			return nil, errors.New(strings.TrimSpace(notes))
		}
		return nil, err
	}

	for _, line := range strings.SplitAfter(stdin, "\n") {
		if line == "" {
			continue
		}
		if err := sess.Input(line); err != nil {
			break
		}
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-c.stopped:
	case <-timer.C:
		timedOut = true
		sess.Cancel("")
		select {
		case <-c.stopped:
		case <-time.After(5 * time.Second):
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := c.result()
	res.timedOut = timedOut
	return res, nil
}

// clip cuts s to at most n bytes on a character boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (output truncated)"
}

func (res *result) format() string {
	var output strings.Builder
	if res.stdout != "" {
		output.WriteString(res.stdout)
	}
	if res.stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.stderr)
	}
	if res.notes != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString(strings.TrimRight(res.notes, "\n"))
	}
	switch {
	case res.timedOut:
		output.WriteString("\ntimed out")
	case res.exitCode != nil && *res.exitCode != 0:
		output.WriteString(fmt.Sprintf("\nexit code: %d", *res.exitCode))
	}
	return output.String()
}

// collector is a session emitter that buffers one run's output.
type collector struct {
	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	notes    strings.Builder
	exitCode *int

	stopped chan struct{}
	once    sync.Once
}

func newCollector() *collector {
	return &collector{stopped: make(chan struct{})}
}

func (c *collector) Emit(o protocol.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch o.Kind {
	case protocol.KindData:
		if o.Stream == protocol.StreamStderr {
			c.stderr.WriteString(o.Text)
		} else {
			c.stdout.WriteString(o.Text)
		}
	case protocol.KindDiagnostic:
		c.notes.WriteString(o.Text + "\n")
	case protocol.KindStopped:
		c.exitCode = o.ExitCode
		c.once.Do(func() { close(c.stopped) })
	}
}

func (c *collector) result() *result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &result{
		stdout:   c.stdout.String(),
		stderr:   c.stderr.String(),
		notes:    c.notes.String(),
		exitCode: c.exitCode,
	}
}
