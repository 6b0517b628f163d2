package process

import "runtime"

func runtimeArch() string {
	return runtime.GOARCH
}

func is64BitArch(arch string) bool {
	switch arch {
	case "amd64", "arm64", "ppc64", "ppc64le", "s390x", "riscv64", "mips64", "mips64le", "loong64", "wasm":
		return true
	}
	return false
}
