package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logs "github.com/danmuck/smplog"
	"github.com/urfave/cli/v2"

	"github.com/danmuck/dps_lobby/cmd/internal/logcfg"
	"github.com/danmuck/dps_lobby/src/exchange"
)

func main() {
	app := cli.NewApp()
	app.Name = "participant"
	app.Usage = "join a lobby of participants and run synchronized trials"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "id", Usage: "participant id, numeric prefix first (e.g. 001)", EnvVars: []string{"DPS_LOBBY_ID"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "participant TOML config"},
		&cli.StringFlag{Name: "log-config", Usage: "smplog TOML config"},
		&cli.StringFlag{Name: "mode", Value: modeBarrier, Usage: "exchange over the stream mesh (stream) or datagrams (barrier)"},
		&cli.IntFlag{Name: "trials", Value: 10, Usage: "number of trials to run"},
		&cli.IntFlag{Name: "group-size", Usage: "participants expected, self included"},
		&cli.IntFlag{Name: "rows", Value: 5, Usage: "items shown per trial"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logCfg, source := logcfg.Load(c.String("log-config"))
	logs.Configure(logCfg)
	if source != "" {
		logs.Debugf("logging configured from %s", source)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	mode := c.String("mode")
	if mode != modeStream && mode != modeBarrier {
		return fmt.Errorf("unknown mode %q", mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := exchange.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logs.Errorf(err, "closing session")
		}
	}()

	r := &runner{
		session: session,
		mode:    mode,
		trials:  c.Int("trials"),
		rows:    c.Int("rows"),
		linger:  cfg.Lobby.Linger,
	}
	return r.Run(ctx, cfg.Lobby.MulticastAddr)
}

func loadConfig(c *cli.Context) (exchange.Config, error) {
	cfg := exchange.DefaultConfig("")
	if path := c.String("config"); path != "" {
		loaded, err := exchange.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if c.IsSet("id") {
		cfg.ID = c.String("id")
	}
	if c.IsSet("group-size") {
		cfg.Lobby.GroupSize = c.Int("group-size")
	}
	return cfg, cfg.Validate()
}
