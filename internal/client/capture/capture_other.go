//go:build !windows

package capture

// On every non-Windows platform there is no kernel-capture backend in
// this repo (no WinDivert equivalent is wired from the example pack — see
// DESIGN.md), so Open keeps its default implementation, which always
// returns ErrUnsupportedPlatform. Callers fall back to Mode A
// (package transport).
