//go:build linux

package sidecar

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetProcGroup(t *testing.T) {
	cmd := exec.Command("sleep", "1")
	setProcGroup(cmd)

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	// The kernel signals the child when the supervisor dies, keeping
	// abnormal parent death from leaving an orphan sidecar.
	assert.Equal(t, syscall.SIGTERM, cmd.SysProcAttr.Pdeathsig)
}
