package permission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCall(path string) *ToolCall {
	return &ToolCall{
		RequestID: "req-r",
		SessionID: "sess-1",
		Kind:      KindReadFile,
		Read:      &ReadFileArgs{Path: path},
	}
}

func writeCall(path string) *ToolCall {
	return &ToolCall{
		RequestID: "req-w",
		SessionID: "sess-1",
		Kind:      KindWriteFile,
		Write:     &WriteFileArgs{Path: path, Content: "x"},
	}
}

func commandCall(command string) *ToolCall {
	return &ToolCall{
		RequestID: "req-c",
		SessionID: "sess-1",
		Kind:      KindRunCommand,
		Command:   &RunCommandArgs{Command: command},
	}
}

func TestEngine_DefaultPolicy(t *testing.T) {
	e := NewEngine("")
	require.NoError(t, e.LoadPolicy())

	tests := []struct {
		name     string
		call     *ToolCall
		decision Decision
		rule     string
	}{
		{"reads allowed", readCall("/tmp/ws/file.go"), DecisionAllow, "reads"},
		{"log writes allowed", writeCall("/tmp/ws/out.log"), DecisionAllow, "log-writes"},
		{"other writes ask", writeCall("/tmp/ws/main.go"), DecisionAsk, "default"},
		{"git status allowed", commandCall("git status"), DecisionAllow, "safe-commands"},
		{"git diff allowed", commandCall("git diff --stat"), DecisionAllow, "safe-commands-diff"},
		{"go test allowed", commandCall("go test ./..."), DecisionAllow, "tests"},
		{"arbitrary command asks", commandCall("curl https://example.com"), DecisionAsk, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate(tt.call)
			assert.Equal(t, tt.decision, result.Decision)
			assert.Equal(t, tt.rule, result.MatchedRule)
		})
	}
}

func TestEngine_FirstMatchWins(t *testing.T) {
	e := NewEngine("")
	require.NoError(t, e.SetPolicy(&Policy{
		Rules: []Rule{
			{Name: "deny-secrets", Tool: "read_file", Path: "*.pem", Decision: DecisionDeny},
			{Name: "allow-reads", Tool: "read_file", Decision: DecisionAllow},
		},
		Default: DecisionAsk,
	}))

	result := e.Evaluate(readCall("/tmp/ws/server.pem"))
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Equal(t, "deny-secrets", result.MatchedRule)

	result = e.Evaluate(readCall("/tmp/ws/server.go"))
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.Equal(t, "allow-reads", result.MatchedRule)
}

func TestEngine_PathPatterns(t *testing.T) {
	rule := Rule{Tool: "write_file", Path: "/tmp/ws/docs/*", Decision: DecisionAllow}

	assert.True(t, rule.matches(writeCall("/tmp/ws/docs/readme.md")))
	assert.True(t, rule.matches(writeCall("/tmp/ws/docs/sub/deep.md")))
	assert.False(t, rule.matches(writeCall("/tmp/ws/src/main.go")))
}

func TestEngine_GenericToolMatching(t *testing.T) {
	e := NewEngine("")
	require.NoError(t, e.SetPolicy(&Policy{
		Rules: []Rule{
			{Name: "web", Tool: "web_*", Decision: DecisionAllow},
		},
		Default: DecisionDeny,
	}))

	call := &ToolCall{
		RequestID: "req-g",
		SessionID: "sess-1",
		Kind:      KindGeneric,
		Generic:   &GenericArgs{Tool: "web_search"},
	}
	result := e.Evaluate(call)
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.Equal(t, "web", result.MatchedRule)

	call.Generic.Tool = "shell_exec"
	result = e.Evaluate(call)
	assert.Equal(t, DecisionDeny, result.Decision)
}

func TestEngine_LoadMissingFileUsesDefault(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "policy.yaml"))
	require.NoError(t, e.LoadPolicy())

	result := e.Evaluate(readCall("/tmp/ws/a.go"))
	assert.Equal(t, DecisionAllow, result.Decision)
}

func TestEngine_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")

	e := NewEngine(path)
	require.NoError(t, e.SetPolicy(&Policy{
		Rules:   []Rule{{Name: "lockdown", Decision: DecisionDeny}},
		Default: DecisionDeny,
	}))

	reloaded := NewEngine(path)
	require.NoError(t, reloaded.LoadPolicy())

	result := reloaded.Evaluate(readCall("/tmp/ws/a.go"))
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Equal(t, "lockdown", result.MatchedRule)
}

func TestEngine_LoadRejectsInvalidDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: bad\n    decision: maybe\ndefault: ask\n"), 0o644))

	e := NewEngine(path)
	require.Error(t, e.LoadPolicy())
}
