package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "sbx"

	// Environment variable overriding the store root.
	homeEnv = "SBX_HOME"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the root directory of the image store.
//
// Honors $SBX_HOME when set; otherwise:
//
//	Linux:   $XDG_DATA_HOME/sbx or ~/.local/share/sbx
//	macOS:   ~/Library/Application Support/sbx
func StoreRoot() string {
	if home := os.Getenv(homeEnv); home != "" {
		return home
	}
	return filepath.Join(xdg.DataHome, toolName)
}
