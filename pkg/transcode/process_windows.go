//go:build windows

package transcode

import "os/exec"

func setupProcAttr(cmd *exec.Cmd) {}

// terminate на Windows мягкого завершения нет, процесс убивается сразу
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
