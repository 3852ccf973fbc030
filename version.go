// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "fmt"

// These constants define the application version and follow semantic
// versioning 2.0.0 (http://semver.org/).
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease may only contain alphanumerics, hyphens and dots.
	appPreRelease = "alpha"
)

// version returns the application version as a semantic version string.
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		v = fmt.Sprintf("%s-%s", v, appPreRelease)
	}
	return v
}
