/*
Maitred - programmable mail transfer agent.
Copyright © 2024-2026 The Maitred Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package maitred

import (
	"runtime/debug"
)

// readVCSVersion reports the module version recorded by the Go
// toolchain, for builds that did not set Version via -ldflags.
func readVCSVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	if info.Main.Version == "(devel)" {
		return Version
	}
	version := info.Main.Version
	if info.Main.Sum != "" {
		version += " (checksum: " + info.Main.Sum + ")"
	}
	return version
}
