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

package ctl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	logparser "github.com/maitred-mta/maitred/framework/logparser"
	maitredcli "github.com/maitred-mta/maitred/internal/cli"
)

func init() {
	maitredcli.AddSubcommand(
		&cli.Command{
			Name:      "logs",
			Usage:     "Filter and pretty-print server log files",
			ArgsUsage: "[FILE]",
			Description: `Reads a log file written by the file or stderr log output (standard
input when no file is given), decodes each line and prints the messages
matching the filters. Malformed lines are counted and reported on
standard error.`,
			Action: logsCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "module",
					Usage: "Show only messages logged by `NAME`",
				},
				&cli.BoolFlag{
					Name:  "no-debug",
					Usage: "Skip debug messages",
				},
				&cli.StringFlag{
					Name:  "grep",
					Usage: "Show only messages containing `SUBSTRING`",
				},
				&cli.TimestampFlag{
					Name:   "since",
					Usage:  "Show only messages logged at `TIME` (RFC 3339) or later",
					Layout: time.RFC3339,
				},
			},
		})
}

func logsCommand(ctx *cli.Context) error {
	in := io.Reader(os.Stdin)
	if ctx.Args().Len() > 1 {
		return cli.Exit("Usage: maitred logs [FILE]", 2)
	}
	if name := ctx.Args().First(); name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer f.Close()
		in = f
	}

	var since time.Time
	if t := ctx.Timestamp("since"); t != nil {
		since = *t
	}

	malformed := 0
	scnr := bufio.NewScanner(in)
	scnr.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scnr.Scan() {
		msg, err := logparser.Parse(scnr.Text())
		if err != nil {
			malformed++
			continue
		}

		if ctx.Bool("no-debug") && msg.Debug {
			continue
		}
		if mod := ctx.String("module"); mod != "" && msg.Module != mod {
			continue
		}
		if substr := ctx.String("grep"); substr != "" && !strings.Contains(msg.Message, substr) {
			continue
		}
		if !since.IsZero() && msg.Stamp.Before(since) {
			continue
		}

		printLogMsg(msg)
	}
	if err := scnr.Err(); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	if malformed != 0 {
		fmt.Fprintf(os.Stderr, "%d malformed lines skipped\n", malformed)
	}
	return nil
}

func printLogMsg(msg logparser.Msg) {
	level := "info "
	if msg.Debug {
		level = "debug"
	}
	fmt.Printf("%s %s", msg.Stamp.Format("2006-01-02 15:04:05.000"), level)
	if msg.Module != "" {
		fmt.Printf(" %s:", msg.Module)
	}
	fmt.Printf(" %s", msg.Message)

	if len(msg.Context) != 0 {
		keys := make([]string, 0, len(msg.Context))
		for k := range msg.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := json.Marshal(msg.Context[k])
			if err != nil {
				continue
			}
			fmt.Printf(" %s=%s", k, val)
		}
	}
	fmt.Println()
}
