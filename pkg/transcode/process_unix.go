//go:build !windows

package transcode

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setupProcAttr выделяет процессу собственную группу, чтобы сигналы
// терминала хост-приложения не прилетали транскодеру
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate посылает SIGTERM всей группе процесса: транскодер может
// форкать помощников, которые иначе удержат pipe'ы вывода открытыми
func terminate(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
}

// kill принудительно убивает всю группу процесса
func kill(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
