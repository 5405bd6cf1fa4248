//go:build !linux

package supervisor

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

func killTree(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
