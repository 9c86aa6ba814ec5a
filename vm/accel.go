package vm

import "fmt"

func errUnsupportedOnPlatform(backend, platform string) error {
	return fmt.Errorf("vm: accelerator %q is not available on %s", backend, platform)
}
