//go:build !unix

package sandbox

// processAlive cannot check other processes here, so nothing is collected.
func processAlive(int) bool {
	return true
}
