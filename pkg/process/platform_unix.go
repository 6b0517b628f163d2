//go:build linux || darwin

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// unixProcs implements spawn, terminate and architecture detection shared by unix hosts.
type unixProcs struct{}

func (unixProcs) Spawn(path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	// A new session detaches the child from our controlling terminal and process group,
	// so it survives the scheduler exiting or being interrupted.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it does not linger as a zombie.
	go func() {
		_ = cmd.Wait()
	}()

	return pid, nil
}

func (unixProcs) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (unixProcs) Is64Bit() bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return is64BitArch(runtimeArch())
	}
	machine := strings.ToLower(unix.ByteSliceToString(uts.Machine[:]))
	switch machine {
	case "x86_64", "amd64", "aarch64", "arm64", "ppc64", "ppc64le", "s390x", "riscv64", "mips64", "loongarch64":
		return true
	}
	return false
}
