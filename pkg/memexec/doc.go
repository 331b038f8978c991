// Package memexec launches child processes from executable images held
// entirely in memory, without requiring the image to exist as a named file
// on disk.
//
// The entry point is Executable, a builder modeled on os/exec.Cmd: configure
// arguments, environment, working directory and stdio, then Spawn a child or
// Exec in place. The launch strategy is tiered: a memfd (anonymous,
// kernel-resident file) is created and executed by descriptor; if the kernel
// or its security policy refuses, the image is materialized as a short-lived
// file under a writable directory, executed by descriptor, and the directory
// tree removed before the exec so nothing is left behind.
//
// Everything that touches the environment or allocates happens strictly
// before the fork. The forked child runs only raw syscalls over
// pre-allocated memory until the process image is replaced; failures are
// reported back to the parent over a close-on-exec pipe and the child never
// returns to Go code.
//
// Linux only.
package memexec
