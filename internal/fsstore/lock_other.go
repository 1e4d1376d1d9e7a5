//go:build !unix

package fsstore

// Advisory file locking is a unix-only refinement; on other platforms the
// in-process keyedmutex/Store mutex is still the authoritative guard for
// this single-process system.
func flockExclusive(f interface{ Fd() uintptr }) error { return nil }
func funlock(f interface{ Fd() uintptr }) error         { return nil }
