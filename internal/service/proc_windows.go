//go:build windows

package service

import (
	"errors"
	"os"
	"os/exec"
)

func configureSysProcAttr(*exec.Cmd) {}

// terminate kills p; Windows has no graceful signal for console-less children.
func terminate(p *os.Process, _ bool) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitSignal(*os.ProcessState) string { return "" }
