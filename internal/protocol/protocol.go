// Package protocol defines the JSON events exchanged over the websocket.
package protocol

// Inbound message types.
const (
	TypeStart   = "start"
	TypeInput   = "input"
	TypeInstall = "install"
)

// TypeOutput is the only outbound message type.
const TypeOutput = "output"

// Output streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Source says which flow produced an output event.
type Source string

const (
	SourceRun     Source = "run"
	SourceInstall Source = "install"
	SourceSession Source = "session"
)

// Kind classifies an output event.
type Kind string

const (
	KindData       Kind = "data"
	KindDiagnostic Kind = "diagnostic"
	KindCompleted  Kind = "completed"
	KindStopped    Kind = "stopped"
)

// Message is a client-to-server event.
type Message struct {
	Type      string   `json:"type"`
	Language  string   `json:"language,omitempty"`
	Code      string   `json:"code,omitempty"`
	Text      string   `json:"text,omitempty"`
	Libraries []string `json:"libraries,omitempty"`
}

// Output is a server-to-client event.
type Output struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Stream   string `json:"stream,omitempty"`
	Source   Source `json:"source"`
	Kind     Kind   `json:"kind"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Data returns a chunk of program output.
func Data(src Source, stream, text string) Output {
	return Output{Type: TypeOutput, Text: text, Stream: stream, Source: src, Kind: KindData}
}

// Diagnostic returns a human-readable error or status line.
func Diagnostic(src Source, text string) Output {
	return Output{Type: TypeOutput, Text: text, Source: src, Kind: KindDiagnostic}
}

// Completed returns the notice sent when a stream ends cleanly.
func Completed(src Source, text string) Output {
	return Output{Type: TypeOutput, Text: text, Source: src, Kind: KindCompleted}
}

// Stopped returns the notice sent once a sandbox has been torn down.
func Stopped(text string, exitCode *int) Output {
	return Output{Type: TypeOutput, Text: text, Source: SourceRun, Kind: KindStopped, ExitCode: exitCode}
}
