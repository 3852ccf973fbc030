// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.  homeDir replaces the ~.
func CleanAndExpandPath(path, homeDir string) string {
	if strings.HasPrefix(path, "~") {
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// os.ExpandEnv does not know cmd.exe-style %VARIABLE%, those
	// variables can still be given POSIX-style as $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
