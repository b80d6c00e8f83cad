package main

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var mainver string = "(devel)"

func version() string {

	var v = mainver

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v = fmt.Sprintf("%v, %v", v, s.Value[:9])
		case "vcs.time":
			v = fmt.Sprintf("%v, %v", v, s.Value)
		}
	}

	v = fmt.Sprintf("%v, %v", v, bi.GoVersion)

	return v
}

func main() {

	app := &cli.App{
		Name:        "sshwardend",
		Usage:       "hardened ssh egress proxy",
		Description: "sshwardend mediates outbound tcp for authenticated users: ssh dynamic and local forwarding plus an optional standalone socks5 listener, with per-user acl, quota, rate and time-window policy.",
		Version:     version(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/sshwarden/config.yaml",
				Usage:   "configuration file",
				EnvVars: []string{"SSHWARDEN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "log level, one of: trace, debug, info, warn, error, fatal, panic",
				EnvVars: []string{"SSHWARDEN_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "no-check-perm",
				Usage:   "skip the config file permission check",
				EnvVars: []string{"SSHWARDEN_NO_CHECK_PERM"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			hashPasswordCommand(),
			healthCheckCommand(),
		},
		Action: func(ctx *cli.Context) error {
			log.Info("starting sshwardend version: ", version())

			d, err := newDaemon(ctx)
			if err != nil {
				return err
			}

			return d.run()
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
