package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mvpforge/internal/app"
	"mvpforge/internal/config"
	"mvpforge/internal/domain"
	"mvpforge/internal/repo"
	"mvpforge/internal/server"
	"mvpforge/internal/wrangler"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var drain time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the build API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				api, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Logger: a.Logger},
					Webhooks: a.Config.Webhooks,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           api,
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					a.Logger.Info("listening", zap.String("addr", addr), zap.String("base_path", basePath))
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
					defer cancel()
					_ = api.Shutdown(shutdownCtx)
					return err
				case <-ctx.Done():
				}
				a.Logger.Info("shutting down", zap.Duration("drain", drain))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
				defer cancel()
				httpErr := srv.Shutdown(shutdownCtx)
				apiErr := api.Shutdown(shutdownCtx)
				if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return errors.Join(httpErr, apiErr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 2*time.Minute, "how long to wait for running builds on shutdown")
	return cmd
}

func namespaceCmd() *cobra.Command {
	ns := &cobra.Command{
		Use:   "namespace",
		Short: "Cloudflare KV namespaces",
	}
	ns.AddCommand(&cobra.Command{
		Use:   "ensure <project-name>",
		Short: "Find or create the asset namespace of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Provisioner == nil {
					return errors.New("cloudflare credentials not configured")
				}
				ref, err := a.Provisioner.Ensure(ctx, wrangler.NamespaceTitle(wrangler.Slug(args[0])))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), ref)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.Title, ref.ID)
				return nil
			})
		},
	})
	return ns
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := newAPIKey()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", rec.ID, key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				if viper.GetBool("json") {
					if items == nil {
						items = []domain.APIKey{}
					}
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "only keys of this actor")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "revoked", args[0])
				return nil
			})
		},
	}

	keys.AddCommand(create, list, revoke)
	return keys
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "fk_" + hex.EncodeToString(buf), nil
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "JWT access tokens",
	}
	var actor string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(viper.GetViper(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				IssuedAt: jwt.NewNumericDate(now),
				Issuer:   "forge",
			}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			signed, err := server.IssueToken(cfg.Server.JWTSecret, actor, perms, claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	issue.Flags().StringVar(&actor, "actor", "", "token subject")
	issue.Flags().StringSliceVar(&perms, "perm", []string{"build.read"}, "granted permissions (build.create, build.read, *)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime; 0 for no expiry")
	_ = issue.MarkFlagRequired("actor")
	tok.AddCommand(issue)
	return tok
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default forge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(viper.GetViper(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			out := redact(cfg)
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), out)
			}
			data, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(viper.GetViper(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "config ok")
			if !cfg.CanPublish() {
				fmt.Fprintln(w, "note: github.token and github.owner unset; builds will stop at publish")
			}
			if !cfg.CanProvision() {
				fmt.Fprintln(w, "note: cloudflare credentials unset; manifests are written without a KV binding")
			}
			return nil
		},
	}

	cfgCmd.AddCommand(initCmd, show, validate)
	return cfgCmd
}
