// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the twosync command line: init creates the tables
// of both stores, run executes a sync session and token issues principal
// tokens.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-twosync/internal/auth"
	"github.com/mobiletoly/go-twosync/internal/crm"
	"github.com/mobiletoly/go-twosync/metrics"
	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the twosync command tree
func NewRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "twosync",
		Short:         "Bidirectional sync between a client and a server store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().String("log-file", "", "write logs to a rotated file instead of stderr")

	root.AddCommand(
		newInitCommand(&configFile),
		newRunCommand(&configFile),
		newTokenCommand(&configFile),
	)
	return root
}

// Execute runs the root command with ctx
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func addEndpointFlags(cmd *cobra.Command) {
	cmd.Flags().String("client-name", "client", "client store name (watermark scope)")
	cmd.Flags().String("client-driver", "sqlite", "client store driver (sqlite, postgres)")
	cmd.Flags().String("client-dsn", "client.db", "client store DSN")
	cmd.Flags().String("server-name", "server", "server store name")
	cmd.Flags().String("server-driver", "sqlite", "server store driver (sqlite, postgres)")
	cmd.Flags().String("server-dsn", "server.db", "server store DSN")
}

// setup loads the configuration and the logger shared by every command
func setup(cmd *cobra.Command, configFile string) (*Config, *slog.Logger, func(), error) {
	cfg, err := loadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, func() { _ = closer.Close() }, nil
}

func newInitCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the sync and crm tables in both stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, done, err := setup(cmd, *configFile)
			if err != nil {
				return err
			}
			defer done()

			for _, ep := range []struct {
				Endpoint
				role twosync.Role
			}{{cfg.Client, twosync.RoleClient}, {cfg.Server, twosync.RoleServer}} {
				opened, err := openStore(cmd.Context(), ep.Endpoint, ep.role, logger)
				if err != nil {
					return err
				}
				opened.close()
				fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (%s)\n", ep.Name, ep.Driver)
			}
			return nil
		},
	}
	addEndpointFlags(cmd)
	return cmd
}

func newTokenCommand(configFile *string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a principal token that scopes accounts to one owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, done, err := setup(cmd, *configFile)
			if err != nil {
				return err
			}
			defer done()

			if cfg.Auth.Secret == "" {
				return errors.New("auth secret is required (--secret or TWOSYNC_AUTH_SECRET)")
			}
			token, err := auth.NewJWTAuth(cfg.Auth.Secret).GenerateToken(owner, cfg.Client.Name, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the token is issued for")
	cmd.Flags().String("client-name", "client", "client store name the token is bound to")
	cmd.Flags().String("secret", "", "HMAC secret")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newRunCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, done, err := setup(cmd, *configFile)
			if err != nil {
				return err
			}
			defer done()
			return runSession(cmd, cfg, logger)
		},
	}
	addEndpointFlags(cmd)
	cmd.Flags().String("profile", twosync.ProfileAll, "sync profile (All, AddressesOnly)")
	cmd.Flags().String("direction", string(twosync.Bidirectional), "pull_down, push_up or bidirectional")
	cmd.Flags().String("conflict-policy", string(twosync.OverwriteAlways), "overwrite_always or preserve_local_edits")
	cmd.Flags().Bool("defer-forward", false, "retry forward references at the end of each leg")
	cmd.Flags().Int("parallelism", 0, "concurrent conversions per type (0 = GOMAXPROCS)")
	cmd.Flags().Bool("issue-detail", false, "include diagnostic detail in issues")
	cmd.Flags().Bool("stage-timings", false, "log stage timings at debug level")
	cmd.Flags().String("secret", "", "HMAC secret used to verify --token")
	cmd.Flags().String("token", "", "principal token; restricts accounts to its owner")
	cmd.Flags().String("metrics-file", "", "write Prometheus metrics to this textfile")
	cmd.Flags().StringP("output", "o", "json", "result format (json, yaml)")
	return cmd
}

func runSession(cmd *cobra.Command, cfg *Config, logger *slog.Logger) error {
	ctx := cmd.Context()
	if cfg.Auth.Token != "" {
		p, err := auth.NewJWTAuth(cfg.Auth.Secret).ValidateToken(cfg.Auth.Token)
		if err != nil {
			return err
		}
		if p.Client != cfg.Client.Name {
			return fmt.Errorf("token is bound to client %q, not %q", p.Client, cfg.Client.Name)
		}
		ctx = auth.WithPrincipal(ctx, p)
	}
	accountScope := ownerScope(ctx)

	var opened []*openedStore
	defer func() {
		for _, o := range opened {
			o.close()
		}
	}()
	opener := func(ep Endpoint, role twosync.Role) twosync.StoreOpener {
		return func(ctx context.Context) (twosync.Store, error) {
			o, err := openStore(ctx, ep, role, logger)
			if err != nil {
				return nil, err
			}
			opened = append(opened, o)
			return o.store, nil
		}
	}

	client := twosync.NewClient(cfg.Client.Name, twosync.RoleClient, opener(cfg.Client, twosync.RoleClient), twosync.WithLogger(logger))
	crm.Register(client, accountScope)
	server := twosync.NewClient(cfg.Server.Name, twosync.RoleServer, opener(cfg.Server, twosync.RoleServer), twosync.WithLogger(logger))
	crm.Register(server, accountScope)

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg, "twosync", "sync")

	opts := twosync.DefaultOptions()
	opts.ConflictPolicy = twosync.ConflictPolicy(cfg.Sync.ConflictPolicy)
	opts.DeferForwardReferences = cfg.Sync.DeferForwardReferences
	opts.Parallelism = cfg.Sync.Parallelism
	opts.LogStageTimings = cfg.Sync.LogStageTimings
	opts.StageMetrics = recorder

	mgr, err := twosync.NewManager(client, server, opts, logger)
	if err != nil {
		return err
	}
	result, runErr := mgr.Run(ctx, cfg.Sync.Profile, twosync.Direction(cfg.Sync.Direction),
		twosync.RunOptions{IncludeIssueDetail: cfg.Sync.IncludeIssueDetail})
	recorder.ObserveResult(result)

	if cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err != nil {
			logger.Warn("Failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	return writeResult(cmd.OutOrStdout(), cfg.Output, result)
}

// ownerScope restricts accounts to the principal's owner when a principal is set
func ownerScope(ctx context.Context) twosync.Predicate {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil
	}
	return crm.OwnedBy(p.OwnerID)
}
