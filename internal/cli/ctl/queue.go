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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	maitred "github.com/maitred-mta/maitred"
	parser "github.com/maitred-mta/maitred/framework/cfgparser"
	"github.com/maitred-mta/maitred/framework/config"
	maitredcli "github.com/maitred-mta/maitred/internal/cli"
	"github.com/maitred-mta/maitred/internal/cli/clitools"
	"github.com/maitred-mta/maitred/internal/queue"
	"github.com/maitred-mta/maitred/internal/session"
)

func init() {
	maitredcli.AddSubcommand(
		&cli.Command{
			Name:  "queue",
			Usage: "Inspect and modify the relay queue",
			Description: `These subcommands operate directly on the queue storage and should
not be used while the server is running.
`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "config",
					Usage:   "Configuration file to use",
					EnvVars: []string{"MAITRED_CONFIG"},
					Value:   filepath.Join(maitred.ConfigDirectory, "maitred.conf"),
				},
				&cli.StringFlag{
					Name:  "name",
					Usage: "Queue config block to use",
					Value: "queue",
				},
			},
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "Show queued messages",
					Action: queueList,
				},
				{
					Name:      "show",
					Usage:     "Print the full encoded state of a queued message",
					ArgsUsage: "UID",
					Action:    queueShow,
				},
				{
					Name:      "rm",
					Usage:     "Remove messages from the queue",
					ArgsUsage: "UID...",
					Action:    queueRemove,
				},
				{
					Name:   "clear",
					Usage:  "Remove all queued messages",
					Action: queueClear,
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Do not ask for confirmation",
						},
					},
				},
			},
		})
}

// openQueueStore locates the queue block in the configuration and opens
// its backing store the same way the server would.
func openQueueStore(ctx *cli.Context) (queue.Store, error) {
	cfgPath := ctx.String("config")
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to open config: %v", err), 2)
	}
	defer cfgFile.Close()
	cfgNodes, err := parser.Read(cfgFile, cfgFile.Name())
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to parse config: %v", err), 2)
	}

	globals, cfgNodes, err := maitred.ReadGlobals(cfgNodes)
	if err != nil {
		return nil, err
	}

	instName := ctx.String("name")
	var block *config.Node
	for i, node := range cfgNodes {
		if node.Name != "queue" {
			continue
		}
		blockName := node.Name
		if len(node.Args) != 0 {
			blockName = node.Args[0]
		}
		if blockName != instName {
			continue
		}
		block = &cfgNodes[i]
		break
	}
	if block == nil {
		return nil, cli.Exit(fmt.Sprintf("Error: no queue block named %s in config", instName), 2)
	}

	var backend, location string
	blockCfg := config.NewMap(globals, *block)
	blockCfg.AllowUnknown()
	blockCfg.Enum("backend", false, false,
		[]string{"disk", "memory", "bolt", "sqlite", "redis"}, "disk", &backend)
	blockCfg.String("location", false, false, "", &location)
	if _, err := blockCfg.Process(); err != nil {
		return nil, err
	}

	switch backend {
	case "memory":
		return nil, cli.Exit("Error: the memory backend has no persistent state to inspect", 2)
	case "disk", "bolt", "sqlite":
		if location == "" {
			name := "queue"
			if backend != "disk" {
				name = "queue." + backend
			}
			location = filepath.Join(config.StateDirectory, name)
		}
	case "redis":
		if location == "" {
			return nil, cli.Exit("Error: the redis backend requires the location directive", 2)
		}
	}

	return queue.OpenStore(backend, location)
}

func queueList(ctx *cli.Context) error {
	store, err := openQueueStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Snapshot()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tRETRIES\tENQUEUED\tSENDER\tRECIPIENTS")
	for _, ent := range entries {
		rs, err := session.DecodeRelay(ent.Data)
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t?\t<broken: %v>\t\n", ent.UID, err)
			continue
		}
		var rcpts int
		sender := ""
		for _, env := range rs.Session.Envelopes {
			sender = env.Sender
			rcpts += len(env.Recipients)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
			ent.UID, rs.RetryCount,
			rs.FirstEnqueue.Format("2006-01-02 15:04:05"),
			sender, rcpts)
	}
	return w.Flush()
}

func queueShow(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("Usage: maitred queue show UID", 2)
	}
	uid := ctx.Args().First()

	store, err := openQueueStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Snapshot()
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.UID != uid {
			continue
		}
		fmt.Printf("seq: %d\n", ent.Seq)
		os.Stdout.Write(ent.Data)
		fmt.Println()
		return nil
	}
	return cli.Exit(fmt.Sprintf("Error: no entry with UID %s", uid), 2)
}

func queueRemove(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.Exit("Usage: maitred queue rm UID...", 2)
	}

	store, err := openQueueStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, uid := range ctx.Args().Slice() {
		if err := store.RemoveByUID(uid); err != nil {
			if errors.Is(err, queue.ErrNoSuchEntry) {
				fmt.Fprintf(os.Stderr, "no entry with UID %s, skipped\n", uid)
				continue
			}
			return err
		}
	}
	return nil
}

func queueClear(ctx *cli.Context) error {
	store, err := openQueueStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if !ctx.Bool("yes") {
		n, err := store.Len()
		if err != nil {
			return err
		}
		if !clitools.Confirmation(fmt.Sprintf("Remove all %d queued messages?", n), false) {
			return errors.New("cancelled")
		}
	}

	return store.Clear()
}
