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

package external

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/maitred-mta/maitred/framework/module"
)

// AuthUsingHelper spawns the helper binary and feeds it the account name
// and password, one per line. Exit code 0 means the credentials are
// valid, 1 means they are not, anything else is a helper failure.
func AuthUsingHelper(binaryPath, accountName, password string) error {
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("helperauth: stdin init: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("helperauth: process start: %w", err)
	}
	if _, err := io.WriteString(stdin, accountName+"\n"); err != nil {
		return fmt.Errorf("helperauth: stdin write: %w", err)
	}
	if _, err := io.WriteString(stdin, password+"\n"); err != nil {
		return fmt.Errorf("helperauth: stdin write: %w", err)
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// Exit code 1 is for authentication failure.
			if exitErr.ExitCode() != 1 {
				return fmt.Errorf("helperauth: %w: %v", err, string(exitErr.Stderr))
			}
			return module.ErrUnknownCredentials
		}
		return fmt.Errorf("helperauth: process wait: %w", err)
	}
	return nil
}
