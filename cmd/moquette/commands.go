// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/config"
	"github.com/kazetsukaimiko/moquette/hooks/auth"
	"github.com/kazetsukaimiko/moquette/internal/logging"
	"github.com/kazetsukaimiko/moquette/listeners"
)

// serveFlags are the command line settings of the serve command. Listener
// flags add to the listeners of the config file; an empty address disables one.
type serveFlags struct {
	config      string
	envFile     string
	tcp         string
	unix        string
	ws          string
	info        string
	healthcheck string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "moquette",
		Short:         "An MQTT 3.1.1 broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "moquette", mqtt.Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	f := new(serveFlags)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until interrupted",
		Long: `Run the broker until interrupted.

Settings are read from a .env file, then the config file, then MOQUETTE_
prefixed environment variables, each overriding the last.

Example:
  moquette serve --config moquette.yml --tcp :1883 --ws :1882 --info :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f)
		},
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "path to a yaml or json config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", config.DefaultDotEnv, "path to a dotenv file, ignored if missing")
	cmd.Flags().StringVar(&f.tcp, "tcp", ":1883", "address of the tcp listener")
	cmd.Flags().StringVar(&f.unix, "unix", "", "path of the unix socket listener")
	cmd.Flags().StringVar(&f.ws, "ws", "", "address of the websocket listener")
	cmd.Flags().StringVar(&f.info, "info", "", "address of the http stats and metrics listener")
	cmd.Flags().StringVar(&f.healthcheck, "healthcheck", "", "address of the http healthcheck listener")
	return cmd
}

// loadConfig reads the dotenv file, the config file and the environment.
func loadConfig(f *serveFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}

	c, err := config.FromFile(f.config)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := c.ApplyEnv(nil); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	return c, nil
}

// newServer builds a broker from a configuration and the listener flags.
// Without any configured auth hook every client is allowed.
func newServer(c *config.Config, f *serveFlags) *mqtt.Server {
	for _, l := range []listeners.Config{
		{Type: listeners.TypeTCP, ID: "tcp", Address: f.tcp},
		{Type: listeners.TypeUnix, ID: "unix", Address: f.unix},
		{Type: listeners.TypeWS, ID: "ws", Address: f.ws},
		{Type: listeners.TypeSysInfo, ID: "info", Address: f.info},
		{Type: listeners.TypeHealthCheck, ID: "healthcheck", Address: f.healthcheck},
	} {
		if l.Address != "" {
			c.Listeners = append(c.Listeners, l)
		}
	}

	opts := c.ServerOptions()
	opts.Logger = logging.New(os.Stdout, c.Logging)
	if c.Hooks.Auth == nil {
		opts.Hooks = append([]mqtt.HookLoadConfig{{Hook: new(auth.AllowHook)}}, opts.Hooks...)
	}

	return mqtt.New(opts)
}

// serve runs a broker until ctx is done or it fails to start.
func serve(ctx context.Context, f *serveFlags) error {
	c, err := loadConfig(f)
	if err != nil {
		return err
	}

	server := newServer(c, f)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		<-ctx.Done()
		server.Log.Warn("stopping server", "cause", context.Cause(ctx))
		return server.Close()
	})

	return g.Wait()
}
