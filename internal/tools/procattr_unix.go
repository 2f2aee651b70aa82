//go:build unix

package tools

import "syscall"

// commandProcAttr puts the command in its own process group so a
// timeout kills the whole process tree, not just the shell.
func commandProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killCommandGroup kills the entire process group for the given PID.
func killCommandGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
