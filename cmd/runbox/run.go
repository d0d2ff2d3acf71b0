package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/michaelbrown/runbox/internal/protocol"
)

var (
	langFlag   string
	serverFlag string
)

// Client-visible texts the server sends that end or reject a request.
const (
	textUnsupported = "Unsupported language"
	textBusy        = "Session busy"
	textNoProgram   = "No program is running"
)

const (
	// How long piped input waits for a rejection before assuming the line
	// was delivered.
	inputAckWait = 100 * time.Millisecond
	// Delay before resending a line the server rejected because the program
	// was still being provisioned.
	inputRetryDelay = 250 * time.Millisecond
	// A run failure diagnostic is normally final; wait briefly in case the
	// server still sends a stop notice.
	failureGrace = 2 * time.Second
)

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "node",
	".mjs":  "node",
	".c":    "c",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".java": "java",
	".kt":   "kotlin",
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a source file on a runbox server and attach to it",
	Long: `Send a source file to a runbox server, stream its output and forward
stdin to the running program.

In a terminal, lines starting with /install add libraries to the running
sandbox and /quit detaches (which destroys the sandbox). Piped stdin is
forwarded line by line once the program is running.

Examples:
  runbox run hello.py
  echo 42 | runbox run --lang node square.js
  runbox run --server ws://runbox.internal:3000/ws main.cpp`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "", "Language (default: inferred from the file extension)")
	runCmd.Flags().StringVar(&serverFlag, "server", "ws://localhost:3000/ws", "Server websocket URL")
	rootCmd.AddCommand(runCmd)
}

func languageFor(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	lang := langFlag
	if lang == "" {
		lang = languageFor(args[0])
	}
	if lang == "" {
		return fmt.Errorf("cannot infer language of %s; pass --lang", args[0])
	}

	conn, _, err := websocket.DefaultDialer.Dial(serverFlag, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverFlag, err)
	}
	defer conn.Close()

	a := newAttachment(conn, lang, os.Stdout, os.Stderr)

	var rl *readline.Instance
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		rl, err = readline.NewEx(&readline.Config{
			HistoryFile:     filepath.Join(os.TempDir(), "runbox_history"),
			InterruptPrompt: "^C",
		})
		if err != nil {
			return fmt.Errorf("readline: %w", err)
		}
		defer rl.Close()
		// Keep program output from clobbering the line being typed.
		a.stdout, a.stderr = rl.Stdout(), rl.Stderr()
	}

	go a.readLoop()

	if err := a.send(protocol.Message{Type: protocol.TypeStart, Language: lang, Code: string(code)}); err != nil {
		return fmt.Errorf("sending start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interactive {
		go a.interactive(rl)
	} else {
		go a.piped(os.Stdin)
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		a.finish(130)
	}

	a.wmu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.wmu.Unlock()

	if a.exitCode != 0 {
		if rl != nil {
			rl.Close()
		}
		conn.Close()
		os.Exit(a.exitCode)
	}
	return nil
}

// attachment is a terminal attached to one remote session.
type attachment struct {
	conn *websocket.Conn
	lang string

	stdout io.Writer
	stderr io.Writer

	wmu sync.Mutex

	rejected chan struct{}
	done     chan struct{}
	once     sync.Once
	exitCode int
}

func newAttachment(conn *websocket.Conn, lang string, stdout, stderr io.Writer) *attachment {
	return &attachment{
		conn:     conn,
		lang:     lang,
		stdout:   stdout,
		stderr:   stderr,
		rejected: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (a *attachment) send(msg protocol.Message) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return a.conn.WriteJSON(msg)
}

func (a *attachment) finish(code int) {
	a.once.Do(func() {
		a.exitCode = code
		close(a.done)
	})
}

func (a *attachment) readLoop() {
	for {
		var o protocol.Output
		if err := a.conn.ReadJSON(&o); err != nil {
			select {
			case <-a.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					fmt.Fprintf(a.stderr, "\033[31mconnection lost: %v\033[0m\n", err)
				}
				a.finish(1)
			}
			return
		}
		a.handle(o)
	}
}

// handle renders one server event and decides whether the attachment is over.
func (a *attachment) handle(o protocol.Output) {
	switch o.Kind {
	case protocol.KindData:
		if o.Stream == protocol.StreamStderr {
			io.WriteString(a.stderr, o.Text)
		} else {
			io.WriteString(a.stdout, o.Text)
		}

	case protocol.KindCompleted:
		fmt.Fprintf(a.stderr, "\033[90m[%s]\033[0m\n", o.Text)

	case protocol.KindStopped:
		code := 1
		if o.ExitCode != nil {
			code = *o.ExitCode
		}
		fmt.Fprintf(a.stderr, "\033[90m[%s, exit %s]\033[0m\n", o.Text, exitText(o.ExitCode))
		a.finish(code)

	case protocol.KindDiagnostic:
		fmt.Fprintf(a.stderr, "\033[31m%s\033[0m\n", o.Text)
		switch {
		case o.Text == textNoProgram:
			select {
			case a.rejected <- struct{}{}:
			default:
			}
		case o.Source == protocol.SourceSession && (o.Text == textUnsupported || o.Text == textBusy):
			a.finish(1)
		case o.Source == protocol.SourceRun:
			time.AfterFunc(failureGrace, func() { a.finish(1) })
		}
	}
}

func (a *attachment) interactive(rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				a.finish(130)
			}
			// EOF only stops forwarding; the program keeps running.
			return
		}

		switch {
		case line == "/quit":
			a.finish(130)
			return
		case strings.HasPrefix(line, "/install"):
			libs, err := shlex.Split(strings.TrimPrefix(line, "/install"))
			if err != nil || len(libs) == 0 {
				fmt.Fprintln(a.stderr, "usage: /install <library> [library...]")
				continue
			}
			err = a.send(protocol.Message{Type: protocol.TypeInstall, Language: a.lang, Libraries: libs})
			if err != nil {
				return
			}
		default:
			if err := a.send(protocol.Message{Type: protocol.TypeInput, Text: line}); err != nil {
				return
			}
		}
	}
}

// piped forwards r line by line. A line the server rejects because the
// program is not running yet is resent until it is accepted or the run ends.
func (a *attachment) piped(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if !a.deliver(sc.Text()) {
			return
		}
	}
}

func (a *attachment) deliver(line string) bool {
	for {
		if err := a.send(protocol.Message{Type: protocol.TypeInput, Text: line}); err != nil {
			return false
		}
		select {
		case <-a.done:
			return false
		case <-time.After(inputAckWait):
			return true
		case <-a.rejected:
		}
		select {
		case <-a.done:
			return false
		case <-time.After(inputRetryDelay):
		}
	}
}
