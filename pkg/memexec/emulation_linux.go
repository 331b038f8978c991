//go:build linux

package memexec

import (
	"bytes"
	"os"
	"sync"
)

// emulationLikely reports whether the process appears to run under qemu
// user-mode emulation, where close-on-exec memfds are known to break the
// exec. Best effort: the qemu loader's own mappings show up in
// /proc/self/maps. MEMFD_EXEC_ASSUME_EMULATED=1/0 overrides the detection.
var emulationLikely = sync.OnceValue(func() bool {
	switch os.Getenv("MEMFD_EXEC_ASSUME_EMULATED") {
	case "1":
		return true
	case "0":
		return false
	}
	maps, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return false
	}
	return bytes.Contains(maps, []byte("qemu"))
})
