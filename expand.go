package polyrisk

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading ~ to the current user's home directory. If the
// home directory cannot be determined, path is returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		usr, uerr := user.Current()
		if uerr != nil {
			return path
		}
		home = usr.HomeDir
	}

	if path == "~" {
		return home
	}

	return filepath.Join(home, path[2:])
}
