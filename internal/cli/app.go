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

// Package maitredcli assembles the command line interface of the maitred
// executable. Subcommands are registered from init functions of other
// packages via AddSubcommand.
package maitredcli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/maitred-mta/maitred/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "programmable mail transfer agent"
	app.Description = `Maitred is a Mail Transfer Agent (MTA) that accepts mail over SMTP,
passes it through configurable content scanners and policy gates and
relays or delivers it.

This executable starts the server ('run') and manages the state used
by it (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name: "The Maitred Authors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Commands are registered by init functions, the run command in
	// particular lives in the root package.
	mapStdlibFlags(app)

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
