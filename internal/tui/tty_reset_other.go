//go:build windows

package tui

func restoreTerminal() {}
