//go:build !linux && !darwin

package vaultbox

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
