// Package statedir locates and creates the node's on-disk state directory
// — the keypair and settings file are the only persisted state this system
// carries.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	rootDirName = ".beacon"
	// SocketName is the control socket's filename within the state dir.
	SocketName = "beacon.sock"
	dirPerm    = 0o700
)

// Ensure returns the node's state directory, creating it if absent. If
// override is non-empty it is used verbatim instead of deriving a path
// under the user's home directory.
func Ensure(override string) (string, error) {
	dir := override
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, rootDirName)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}

	return dir, nil
}
