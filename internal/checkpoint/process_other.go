//go:build !unix

package checkpoint

// processAlive has no portable liveness check here, so every holder counts as live.
func processAlive(int) bool { return true }
