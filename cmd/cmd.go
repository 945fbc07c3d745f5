package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/airlock"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/service"
)

const (
	ServiceName      = "tlon-plugin"
	ServiceNamespace = "clawdbot"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Persistent channel client for Tlon/Urbit ships",
		Commands: []*cli.Command{
			serverCmd(),
			scryCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the ship-to-bus relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			return app.Stop(c.Context)
		},
	}
}

func scryCmd() *cli.Command {
	return &cli.Command{
		Name:      "scry",
		Usage:     "Run a one-shot read against the ship namespace",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("scry: a namespace path is required, e.g. /groups/groups.json")
			}
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			logger := ProvideLogger(cfg)

			client, err := airlock.NewClientFromConfig(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			querier := service.NewScryQueryService(client, cfg)
			result, err := querier.Query(c.Context, path)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}
