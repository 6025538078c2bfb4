package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mvpforge/internal/app"
	"mvpforge/internal/db"
	"mvpforge/internal/domain"
	"mvpforge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Assemble, publish and deploy generated MVPs",
		Long: `forge turns a build request into a deployable Cloudflare Workers project.
Stages run in order: plan, generate (in batches), sanitize into the canonical
layout, configure wrangler.toml and the asset namespace, then publish one
commit to GitHub. Every build is recorded in the workspace database (.forge)
and its files are archived so a failed publish can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	configureViper(viper.GetViper())
	addPersistentFlags(root)
	root.AddCommand(
		buildCmd(),
		resumeCmd(),
		buildsCmd(),
		sanitizeCmd(),
		logCmd(),
		serveCmd(),
		namespaceCmd(),
		apiKeyCmd(),
		tokenCmd(),
		configCmd(),
	)
	return root
}

func configureViper(v *viper.Viper) {
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().String("config", "", "config file (default <workspace>/forge.yml)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	root.PersistentFlags().String("actor-id", "local", "actor recorded on builds and events")
	for _, name := range []string{"workspace", "config", "json", "verbose", "actor-id"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}
}

// withApp resolves config, builds the logger and opens the workspace.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := resolveConfig(viper.GetViper(), workspace)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log, viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	if id := strings.TrimSpace(viper.GetString("actor-id")); id != "" {
		return id
	}
	return "local"
}

func printJSONOrTable(w io.Writer, v any) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderBuilds(w io.Writer, items []domain.Build) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Build{}
		}
		return printJSON(w, items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Idea", "Status", "Stage", "Files", "Repository", "Updated"})
	for _, b := range items {
		tw.AppendRow(table.Row{b.ID, b.IdeaID, b.Status, b.Stage, b.FileCount, b.RepoURL, b.UpdatedAt})
	}
	tw.Render()
	return nil
}

func renderEvents(w io.Writer, items []domain.Event) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Event{}
		}
		return printJSON(w, items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Build", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.BuildID, domain.Truncate(e.Payload, 80)})
	}
	tw.Render()
	return nil
}

func renderResult(w io.Writer, b domain.Build, res domain.BuildResult) error {
	if viper.GetBool("json") {
		return printJSON(w, map[string]any{"build": b, "result": res})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRows([]table.Row{
		{"Build", b.ID},
		{"Status", b.Status},
		{"Repository", res.RepoURL},
		{"Deploy URL", res.DeployURL},
		{"Commit", res.CommitSHA},
		{"Files", len(res.Files)},
	})
	tw.Render()
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, "warning:", warn)
	}
	return nil
}
