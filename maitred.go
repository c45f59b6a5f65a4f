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

// Package maitred ties the configuration, the module registry and the
// endpoint lifecycle together into a runnable server. The actual
// executable lives in cmd/maitred.
package maitred

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/urfave/cli/v2"

	parser "github.com/maitred-mta/maitred/framework/cfgparser"
	"github.com/maitred-mta/maitred/framework/config"
	tls2 "github.com/maitred-mta/maitred/framework/config/tls"
	"github.com/maitred-mta/maitred/framework/hooks"
	"github.com/maitred-mta/maitred/framework/log"
	"github.com/maitred-mta/maitred/framework/module"
	"github.com/maitred-mta/maitred/framework/resource/netresource"
	maitredcli "github.com/maitred-mta/maitred/internal/cli"

	// Imported for registration side-effect.
	_ "github.com/maitred-mta/maitred/internal/auth/external"
	_ "github.com/maitred-mta/maitred/internal/auth/ldap"
	_ "github.com/maitred-mta/maitred/internal/auth/statictable"
	_ "github.com/maitred-mta/maitred/internal/blob/fs"
	_ "github.com/maitred-mta/maitred/internal/blob/s3"
	_ "github.com/maitred-mta/maitred/internal/endpoint/smtp"
	_ "github.com/maitred-mta/maitred/internal/libdns"
	_ "github.com/maitred-mta/maitred/internal/limits"
	_ "github.com/maitred-mta/maitred/internal/queue"
	_ "github.com/maitred-mta/maitred/internal/scan/dkimverify"
	_ "github.com/maitred-mta/maitred/internal/scan/dummy"
	_ "github.com/maitred-mta/maitred/internal/scan/milter"
	_ "github.com/maitred-mta/maitred/internal/scan/rspamd"
	_ "github.com/maitred-mta/maitred/internal/target/remote"
	_ "github.com/maitred-mta/maitred/internal/tls"
	_ "github.com/maitred-mta/maitred/internal/tls/acme"
	_ "github.com/maitred-mta/maitred/internal/webhook"
)

// Set at build time using -ldflags. Used in reported server version.
var (
	Version = "unknown (built from source tree)"

	// ConfigDirectory specifies the default location of the server
	// configuration.
	ConfigDirectory = "/etc/maitred"

	// DefaultStateDirectory specifies the default location of the server
	// state data (queue, ACME certificates and so on).
	DefaultStateDirectory = "/var/lib/maitred"

	// DefaultRuntimeDirectory specifies the default location of the
	// transient data that does not survive restarts.
	DefaultRuntimeDirectory = "/run/maitred"

	// DefaultLibexecDirectory specifies the default location of the
	// helper binaries (such as the authentication helper).
	DefaultLibexecDirectory = "/usr/lib/maitred"
)

func init() {
	maitredcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Configuration file to use",
				EnvVars: []string{"MAITRED_CONFIG"},
				Value:   filepath.Join(ConfigDirectory, "maitred.conf"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging early",
				EnvVars: []string{"MAITRED_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "libexec",
				Usage:   "Path to the libexec directory",
				EnvVars: []string{"MAITRED_LIBEXEC"},
				Value:   DefaultLibexecDirectory,
			},
			&cli.StringSliceFlag{
				Name:    "log",
				Usage:   "Default logging target(s)",
				EnvVars: []string{"MAITRED_LOG"},
				Value:   cli.NewStringSlice("stderr"),
			},
			&cli.BoolFlag{
				Name:   "v",
				Usage:  "Print version and exit",
				Hidden: true,
			},
			&cli.StringFlag{
				Name:   "debug.pprof",
				Usage:  "Enable live profiler HTTP endpoint and listen on the specified address",
				Hidden: true,
			},
			&cli.IntFlag{
				Name:   "debug.blockprofrate",
				Usage:  "Set blocking profile rate",
				Hidden: true,
			},
			&cli.IntFlag{
				Name:   "debug.mutexproffract",
				Usage:  "Set mutex profile fraction",
				Hidden: true,
			},
		},
		Action: Run,
	})
}

// Run is the entry point of the run subcommand. It sets up logging,
// reads the configuration, initializes and runs modules until a
// termination signal arrives.
func Run(c *cli.Context) error {
	config.LibexecDirectory = c.String("libexec")
	log.DefaultLogger.Debug = c.Bool("debug")

	if c.Bool("v") {
		fmt.Println("maitred", BuildInfo())
		return nil
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(c.StringSlice("log"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	initDebug(c)

	f, err := os.Open(c.String("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer f.Close()

	cfg, err := parser.Read(f, c.String("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	defer log.DefaultLogger.Out.Close()

	if err := moduleMain(cfg); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

func initDebug(c *cli.Context) {
	if ep := c.String("debug.pprof"); ep != "" {
		go func() {
			log.Println("listening on", "http://"+ep, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(ep, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if the argument is specified.
	if f := c.Int("debug.mutexproffract"); f != 0 {
		runtime.SetMutexProfileFraction(f)
	}
	if r := c.Int("debug.blockprofrate"); r != 0 {
		runtime.SetBlockProfileRate(r)
	}
}

// InitDirs creates the state and runtime directories and makes the
// state directory the working directory, so relative paths in the
// configuration are relative to it.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}
	if config.LibexecDirectory == "" {
		config.LibexecDirectory = DefaultLibexecDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return fmt.Errorf("statedir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return fmt.Errorf("runtimedir should be absolute")
	}
	if !filepath.IsAbs(config.LibexecDirectory) {
		return fmt.Errorf("-libexec should be absolute")
	}

	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// ReadGlobals handles the global configuration directives and returns
// the rest of the blocks for instancesFromConfig.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	globals.String("hostname", false, false, "", nil)
	globals.String("autogenerated_msg_domain", false, false, "", nil)
	globals.Custom("tls", false, false, nil, tls2.TLSDirective, nil)
	globals.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

func moduleMain(cfg []config.Node) error {
	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}

	if err := InitDirs(); err != nil {
		return err
	}

	insts, err := instancesFromConfig(globals, modBlocks)
	if err != nil {
		return err
	}

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	for _, inst := range insts {
		if closer, ok := inst.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Printf("module %s (%s) close failed: %v", inst.Name(), inst.InstanceName(), err)
			}
		}
	}
	hooks.RunHooks(hooks.EventShutdown)

	if err := netresource.CloseListeners(); err != nil {
		log.Printf("failed to close tracked listeners: %v", err)
	}

	return nil
}

type modInfo struct {
	instance module.Module
	cfg      config.Node
}

func instancesFromConfig(globals map[string]interface{}, nodes []config.Node) ([]module.Module, error) {
	var (
		endpoints []modInfo
		mods      = make([]modInfo, 0, len(nodes))
	)

	for _, block := range nodes {
		var instName string
		var modAliases []string
		if len(block.Args) == 0 {
			instName = block.Name
		} else {
			instName = block.Args[0]
			modAliases = block.Args[1:]
		}

		modName := block.Name

		endpFactory := module.GetEndpoint(modName)
		if endpFactory != nil {
			inst, err := endpFactory(modName, block.Args)
			if err != nil {
				return nil, err
			}

			endpoints = append(endpoints, modInfo{instance: inst, cfg: block})
			continue
		}

		factory := module.Get(modName)
		if factory == nil {
			return nil, config.NodeErr(block, "unknown module: %s", modName)
		}

		if module.HasInstance(instName) {
			return nil, config.NodeErr(block, "config block named %s already exists", instName)
		}

		inst, err := factory(modName, instName, modAliases, nil)
		if err != nil {
			return nil, err
		}

		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range modAliases {
			if module.HasInstance(alias) {
				return nil, config.NodeErr(block, "config block named %s already exists", alias)
			}
			module.RegisterAlias(alias, instName)
		}
		mods = append(mods, modInfo{instance: inst, cfg: block})
	}

	for _, endp := range endpoints {
		if err := endp.instance.Init(config.NewMap(globals, endp.cfg)); err != nil {
			return nil, err
		}
	}

	// Initialize the remaining top-level modules to catch invalid
	// configuration early. Modules that are actually used are pulled in
	// by the lazy initialization during endpoint setup above.
	for _, inst := range mods {
		if module.Initialized[inst.instance.InstanceName()] {
			continue
		}

		log.Printf("%s (%s) is not used anywhere", inst.instance.InstanceName(), inst.instance.Name())

		module.Initialized[inst.instance.InstanceName()] = true
		if err := inst.instance.Init(config.NewMap(globals, inst.cfg)); err != nil {
			return nil, err
		}
	}

	res := make([]module.Module, 0, len(mods)+len(endpoints))
	for _, endp := range endpoints {
		res = append(res, endp.instance)
	}
	for _, mod := range mods {
		res = append(res, mod.instance)
	}
	return res, nil
}

// LogOutputOption builds a log.Output from a list of targets: stderr,
// stderr_ts (with timestamps), syslog, off or a file path.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, fmt.Errorf("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}

			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

func logOutput(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}

	return LogOutputOption(node.Args)
}

func BuildInfo() string {
	version := Version
	if strings.Contains(version, "source tree") {
		version = readVCSVersion()
	}

	return fmt.Sprintf(`%s %s/%s %s

default config: %s
debug log: %v`,
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(),
		filepath.Join(ConfigDirectory, "maitred.conf"), log.DefaultLogger.Debug)
}
