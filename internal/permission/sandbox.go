package permission

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrOutsideWorkspace is returned for any path that escapes the
	// workspace root after canonicalization. It is a hard deny that no
	// policy rule can override.
	ErrOutsideWorkspace = errors.New("path escapes the workspace root")

	// ErrDangerousCommand is returned for command text matching
	// patterns that are never allowed.
	ErrDangerousCommand = errors.New("dangerous command pattern")
)

// Sandbox enforces the workspace root boundary. All file paths in tool
// calls are canonicalized (absolute, cleaned, symlinks resolved) before
// the containment check so traversal and symlink tricks cannot escape.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at workspaceRoot. The root itself
// is resolved so a symlinked workspace behaves consistently.
func NewSandbox(workspaceRoot string) (*Sandbox, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the canonical workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve canonicalizes a path and verifies it stays inside the
// workspace root. Relative paths are interpreted against the root.
// The returned path is the canonical absolute form callers must use
// for all filesystem access.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideWorkspace)
	}

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return resolved, nil
}

// resolveExisting resolves symlinks through the deepest existing
// ancestor of p, then rejoins the non-existing remainder. A target that
// does not exist yet (a file about to be written) still gets its parent
// directories resolved, so a symlinked parent cannot smuggle the write
// outside the root.
func resolveExisting(p string) (string, error) {
	remainder := ""
	current := p
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// CheckCall verifies every path surface of a tool call against the
// workspace boundary and rewrites the call's paths to canonical form.
func (s *Sandbox) CheckCall(call *ToolCall) error {
	switch call.Kind {
	case KindReadFile:
		p, err := s.Resolve(call.Read.Path)
		if err != nil {
			return err
		}
		call.Read.Path = p
	case KindWriteFile:
		p, err := s.Resolve(call.Write.Path)
		if err != nil {
			return err
		}
		call.Write.Path = p
	case KindDeleteFile:
		p, err := s.Resolve(call.Delete.Path)
		if err != nil {
			return err
		}
		call.Delete.Path = p
	case KindRunCommand:
		if err := s.checkCommand(call.Command); err != nil {
			return err
		}
	}
	return nil
}

// checkCommand validates command text: the working directory must stay
// inside the root, dangerous patterns are rejected outright, and any
// absolute or traversal paths mentioned in the command must not point
// outside the workspace.
func (s *Sandbox) checkCommand(args *RunCommandArgs) error {
	if err := checkDangerousPatterns(args.Command); err != nil {
		return err
	}

	if args.WorkingDir != "" {
		dir, err := s.Resolve(args.WorkingDir)
		if err != nil {
			return err
		}
		args.WorkingDir = dir
	}

	for _, p := range extractPaths(args.Command) {
		if _, err := s.Resolve(p); err != nil {
			return err
		}
	}
	return nil
}

var dangerousPatterns = []struct {
	pattern string
	reason  string
}{
	{`rm\s+-[rf]+\s+/(\s|$)`, "recursive delete from root"},
	{`rm\s+-[rf]+\s+~`, "recursive delete from home"},
	{`>\s*/dev/sd`, "writing to block devices"},
	{`dd\s+.*of=/dev/`, "dd to devices"},
	{`mkfs`, "formatting filesystems"},
	{`:\(\)\s*\{`, "fork bomb pattern"},
	{`chmod\s+777\s+/`, "dangerous permissions on root"},
	{`chown.*-R.*root`, "recursive ownership change to root"},
}

func checkDangerousPatterns(command string) error {
	for _, d := range dangerousPatterns {
		if matched, _ := regexp.MatchString(d.pattern, command); matched {
			return fmt.Errorf("%w: %s", ErrDangerousCommand, d.reason)
		}
	}
	return nil
}

// extractPaths attempts to extract file paths from a command.
func extractPaths(command string) []string {
	var paths []string

	for _, part := range strings.Fields(command) {
		if strings.HasPrefix(part, "-") {
			continue
		}

		if strings.HasPrefix(part, "/") ||
			strings.HasPrefix(part, "./") ||
			strings.HasPrefix(part, "../") ||
			strings.HasPrefix(part, "~/") {
			if strings.HasPrefix(part, "~/") {
				if home, err := os.UserHomeDir(); err == nil {
					part = filepath.Join(home, part[2:])
				}
			}
			paths = append(paths, part)
		}
	}

	return paths
}
