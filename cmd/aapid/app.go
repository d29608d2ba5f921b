package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/aapid/internal/client"
	"github.com/danmuck/aapid/internal/commands"
	"github.com/danmuck/aapid/internal/config"
	"github.com/danmuck/aapid/internal/logging"
	"github.com/danmuck/aapid/internal/observability"
	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/danmuck/aapid/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()
	app.Name = "aapid"
	app.Usage = "framed command protocol server"
	app.Version = Version
	app.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "run the protocol server and the admin HTTP surface",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config, c", Usage: "TOML config path (defaults apply when empty)"},
				cli.StringFlag{Name: "listen", Usage: "override listen_addr"},
			},
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c.String("config"))
				if err != nil {
					return err
				}
				if listen := strings.TrimSpace(c.String("listen")); listen != "" {
					cfg.ListenAddr = listen
				}
				return serve(ctx, cfg)
			},
		},
		{
			Name:  "call",
			Usage: "send one request and print the response",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Value: "127.0.0.1:4056", Usage: "server address"},
				cli.IntFlag{Name: "tag", Usage: "command tag"},
				cli.StringFlag{Name: "data", Usage: "request payload"},
				cli.IntFlag{Name: "attempts", Value: 1, Usage: "dial attempts with backoff"},
			},
			Action: func(c *cli.Context) error {
				resp, err := callOnce(ctx, c.String("addr"), c.Int("attempts"), int32(c.Int("tag")), []byte(c.String("data")))
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return fmt.Errorf("tag %d: error %d: %s", resp.Header.CommandTag, resp.Header.Error, resp.Payload)
				}
				fmt.Fprintf(c.App.Writer, "%s\n", resp.Payload)
				return nil
			},
		},
		{
			Name:  "ping",
			Usage: "round-trip an echo request",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr", Value: "127.0.0.1:4056", Usage: "server address"},
				cli.IntFlag{Name: "attempts", Value: 1, Usage: "dial attempts with backoff"},
			},
			Action: func(c *cli.Context) error {
				start := time.Now()
				resp, err := callOnce(ctx, c.String("addr"), c.Int("attempts"), commands.TagEcho, []byte("PING"))
				if err != nil {
					return err
				}
				if err := resp.Err(); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s from %s in %s\n", resp.Payload, c.String("addr"), time.Since(start).Round(time.Microsecond))
				return nil
			},
		},
		{
			Name:  "config",
			Usage: "config template and validation",
			Subcommands: []cli.Command{
				{
					Name:  "template",
					Usage: "print or write the default config",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "output, o", Usage: "write to path instead of stdout"},
						cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
					},
					Action: func(c *cli.Context) error {
						if out := strings.TrimSpace(c.String("output")); out != "" {
							return config.WriteTemplate(out, c.Bool("force"))
						}
						tpl, err := config.Template()
						if err != nil {
							return err
						}
						fmt.Fprint(c.App.Writer, tpl)
						return nil
					},
				},
				{
					Name:      "validate",
					Usage:     "validate a config file",
					ArgsUsage: "PATH",
					Action: func(c *cli.Context) error {
						path := strings.TrimSpace(c.Args().First())
						if path == "" {
							return fmt.Errorf("config validate: missing PATH")
						}
						cfg, err := config.Load(path)
						if err != nil {
							return err
						}
						if _, err := buildRegistry(cfg); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "validated config at %s\n", path)
						return nil
					},
				},
			},
		},
	}
	return app
}

func loadConfig(path string) (config.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildRegistry(cfg config.Config) (*dispatch.Registry, error) {
	b := dispatch.NewBuilder()
	if err := commands.Install(b, commands.Options{Version: Version, Enabled: cfg.Commands}); err != nil {
		return nil, err
	}
	return b.Freeze(), nil
}

// serve runs the protocol server and, when admin_addr is set, the admin HTTP
// surface until ctx is cancelled or either of them fails.
func serve(ctx context.Context, cfg config.Config) error {
	logging.ConfigureRuntime(logging.WithLevel(cfg.Log.Level), logging.WithJSON(cfg.Log.JSON))

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	logger := log.With().Str("node", cfg.NodeID).Logger()
	srv := server.New(cfg.Server(), registry, server.WithServerLogger(logger))
	logger.Info().
		Str("version", Version).
		Int("commands", registry.Len()).
		Msg("aapid starting")

	var adminLn net.Listener
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		adminLn, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen admin %s: %w", addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if adminLn != nil {
		admin := observability.NewAdmin(observability.AdminConfig{
			NodeID:      cfg.NodeID,
			Version:     Version,
			CorsOrigins: cfg.CorsOrigins,
			Commands:    registry,
			Status:      srv,
		})
		g.Go(func() error {
			return admin.Serve(gctx, adminLn)
		})
	}
	err = g.Wait()
	logger.Info().Err(err).Msg("aapid stopped")
	return err
}

func callOnce(ctx context.Context, addr string, attempts int, tag int32, payload []byte) (client.Response, error) {
	opts := client.DefaultOptions()
	opts.DialAttempts = attempts
	c, err := client.DialWithOptions(ctx, addr, opts)
	if err != nil {
		return client.Response{}, err
	}
	defer c.Close()
	return c.Call(tag, payload)
}
