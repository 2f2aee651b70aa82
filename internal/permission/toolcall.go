// Package permission gates sidecar tool calls behind policy and the
// workspace sandbox.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a tool call type.
type Kind string

const (
	KindReadFile   Kind = "read_file"
	KindWriteFile  Kind = "write_file"
	KindDeleteFile Kind = "delete_file"
	KindRunCommand Kind = "run_command"
	KindGeneric    Kind = "generic"
)

var ErrInvalidToolCall = errors.New("invalid tool call")

// ReadFileArgs are the arguments for a read_file call.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// WriteFileArgs are the arguments for a write_file call.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DeleteFileArgs are the arguments for a delete_file call.
type DeleteFileArgs struct {
	Path string `json:"path"`
}

// RunCommandArgs are the arguments for a run_command call.
type RunCommandArgs struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir,omitempty"`
}

// GenericArgs carry an opaque tool call the proxy does not model.
// Generic calls have no path or command surface, so only policy rules
// keyed on the tool name apply.
type GenericArgs struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolCall is one tool invocation requested by the sidecar. Exactly one
// of the argument fields matching Kind is set.
type ToolCall struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Kind      Kind   `json:"kind"`

	Read    *ReadFileArgs    `json:"read,omitempty"`
	Write   *WriteFileArgs   `json:"write,omitempty"`
	Delete  *DeleteFileArgs  `json:"delete,omitempty"`
	Command *RunCommandArgs  `json:"command,omitempty"`
	Generic *GenericArgs     `json:"generic,omitempty"`
}

// Validate checks the call carries the arguments its kind requires.
func (c *ToolCall) Validate() error {
	if c.RequestID == "" {
		return fmt.Errorf("%w: missing requestId", ErrInvalidToolCall)
	}
	if c.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidToolCall)
	}

	switch c.Kind {
	case KindReadFile:
		if c.Read == nil || c.Read.Path == "" {
			return fmt.Errorf("%w: read_file requires a path", ErrInvalidToolCall)
		}
	case KindWriteFile:
		if c.Write == nil || c.Write.Path == "" {
			return fmt.Errorf("%w: write_file requires a path", ErrInvalidToolCall)
		}
	case KindDeleteFile:
		if c.Delete == nil || c.Delete.Path == "" {
			return fmt.Errorf("%w: delete_file requires a path", ErrInvalidToolCall)
		}
	case KindRunCommand:
		if c.Command == nil || c.Command.Command == "" {
			return fmt.Errorf("%w: run_command requires a command", ErrInvalidToolCall)
		}
	case KindGeneric:
		if c.Generic == nil || c.Generic.Tool == "" {
			return fmt.Errorf("%w: generic requires a tool name", ErrInvalidToolCall)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidToolCall, c.Kind)
	}
	return nil
}

// ToolName returns the name rules match against.
func (c *ToolCall) ToolName() string {
	if c.Kind == KindGeneric && c.Generic != nil {
		return c.Generic.Tool
	}
	return string(c.Kind)
}

// Paths returns the filesystem paths the call touches directly.
// Command calls are handled separately because their paths are
// embedded in shell text.
func (c *ToolCall) Paths() []string {
	switch c.Kind {
	case KindReadFile:
		return []string{c.Read.Path}
	case KindWriteFile:
		return []string{c.Write.Path}
	case KindDeleteFile:
		return []string{c.Delete.Path}
	}
	return nil
}

// Mutating reports whether the call changes workspace state.
func (c *ToolCall) Mutating() bool {
	switch c.Kind {
	case KindWriteFile, KindDeleteFile, KindRunCommand:
		return true
	}
	return false
}

// Summary returns a short human-readable description used in events
// and approval listings.
func (c *ToolCall) Summary() string {
	switch c.Kind {
	case KindReadFile:
		return fmt.Sprintf("read %s", c.Read.Path)
	case KindWriteFile:
		return fmt.Sprintf("write %s (%d bytes)", c.Write.Path, len(c.Write.Content))
	case KindDeleteFile:
		return fmt.Sprintf("delete %s", c.Delete.Path)
	case KindRunCommand:
		return fmt.Sprintf("run %q", c.Command.Command)
	case KindGeneric:
		return fmt.Sprintf("tool %s", c.Generic.Tool)
	}
	return string(c.Kind)
}
