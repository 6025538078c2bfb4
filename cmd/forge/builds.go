package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mvpforge/internal/app"
	"mvpforge/internal/domain"
	"mvpforge/internal/generator"
	"mvpforge/internal/pipeline"
	"mvpforge/internal/planner"
	"mvpforge/internal/repo"
	"mvpforge/internal/sanitize"
	"mvpforge/internal/wrangler"
)

func buildCmd() *cobra.Command {
	var idea, summary, plan, planFile, filesDir string
	var brandName, tagline string
	var targets []string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run a build to completion",
		Long: `Run every stage for one idea and print the repository and deploy URL.
Target files come from --target (repeatable, "path" or "path=description"),
from --plan-file (a planner answer in JSON), or from the configured planner
when neither is given. --files-dir skips planning and generation and
assembles the files found in a directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := domain.BuildPayload{
				IdeaID:      idea,
				IdeaSummary: summary,
				Plan:        plan,
				Branding:    domain.Branding{Name: brandName, Tagline: tagline},
			}
			if len(targets) > 0 {
				payload.TargetFiles = parseTargets(targets)
			}
			if filesDir != "" {
				files, err := readFiles(filesDir)
				if err != nil {
					return err
				}
				payload.Files = files
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if planFile != "" {
					data, err := os.ReadFile(planFile)
					if err != nil {
						return err
					}
					p, err := planner.ParsePlan(string(data))
					if err != nil {
						return fmt.Errorf("plan file %s: %w", planFile, err)
					}
					a.Builder.Planner = planner.Static{Result: p}
				}
				reportProgress(cmd, a.Builder)
				b, res, err := a.Engine.Build(ctx, payload, actorID())
				if err != nil {
					if b.ID != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "build %s failed at stage %s; see forge builds events %s\n", b.ID, b.Stage, b.ID)
					}
					return err
				}
				return renderResult(cmd.OutOrStdout(), b, res)
			})
		},
	}
	cmd.Flags().StringVar(&idea, "idea", "", "idea id")
	cmd.Flags().StringVar(&summary, "summary", "", "idea summary")
	cmd.Flags().StringVar(&plan, "plan", "", "plan text passed to the generator")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "planner answer (JSON) to use instead of the planner")
	cmd.Flags().StringVar(&filesDir, "files-dir", "", "directory of pre-generated files")
	cmd.Flags().StringVar(&brandName, "brand-name", "", "product name for default pages")
	cmd.Flags().StringVar(&tagline, "tagline", "", "tagline for default pages")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "target file (repeatable)")
	_ = cmd.MarkFlagRequired("idea")
	return cmd
}

func reportProgress(cmd *cobra.Command, b *pipeline.Builder) {
	if viper.GetBool("json") {
		return
	}
	out := cmd.ErrOrStderr()
	b.Hooks.StageStarted = func(s pipeline.Stage) {
		fmt.Fprintf(out, "==> %s\n", s)
	}
	b.Hooks.Batch = func(p generator.BatchProgress) {
		fmt.Fprintf(out, "    batch %d/%d: %d of %d files\n", p.Index+1, p.Total, p.Received, p.Requested)
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <build-id>",
		Short: "Re-run configure and publish for a failed build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reportProgress(cmd, a.Builder)
				res, err := a.Engine.Resume(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				b, err := a.Engine.Repo.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				return renderResult(cmd.OutOrStdout(), b, res)
			})
		},
	}
}

func buildsCmd() *cobra.Command {
	builds := &cobra.Command{
		Use:   "builds",
		Short: "Inspect recorded builds",
	}
	builds.AddCommand(buildsListCmd(), buildsShowCmd(), buildsEventsCmd(), buildsFilesCmd())
	return builds
}

func buildsListCmd() *cobra.Command {
	var status, idea string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListBuilds(ctx, repo.BuildFilters{IdeaID: idea, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				return renderBuilds(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, succeeded or failed")
	cmd.Flags().StringVar(&idea, "idea", "", "idea id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum builds")
	return cmd
}

func buildsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Repo.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), b)
			})
		},
	}
}

func buildsEventsCmd() *cobra.Command {
	var evtType string
	cmd := &cobra.Command{
		Use:   "events <build-id>",
		Short: "List the events of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Repo.GetBuild(ctx, args[0]); err != nil {
					return err
				}
				items, err := a.Engine.Repo.Events(ctx, repo.EventFilters{BuildID: args[0], Type: evtType, Limit: 1000})
				if err != nil {
					return err
				}
				return renderEvents(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func buildsFilesCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "files <build-id>",
		Short: "List or export the archived files of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				project, manifest, err := a.Engine.Files(ctx, args[0])
				if err != nil {
					return err
				}
				if out != "" {
					if err := writeFiles(out, project.Files()); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files to %s\n", project.Len(), out)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), manifest)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Path", "Bytes"})
				for _, f := range project.Files() {
					tw.AppendRow(table.Row{f.Path, len(f.Content)})
				}
				tw.AppendFooter(table.Row{"fingerprint", manifest.Fingerprint})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the files below this directory")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, buildID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				const page = 500
				var (
					tail  []domain.Event
					after int64
				)
				for {
					items, err := a.Engine.Repo.Events(ctx, repo.EventFilters{BuildID: buildID, Type: evtType, After: after, Limit: page})
					if err != nil {
						return err
					}
					tail = append(tail, items...)
					if len(tail) > n {
						tail = tail[len(tail)-n:]
					}
					if len(items) < page {
						break
					}
					after = items[len(items)-1].ID
				}
				return renderEvents(cmd.OutOrStdout(), tail)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&buildID, "build", "", "build id filter")
	return cmd
}

func sanitizeCmd() *cobra.Command {
	var dir, name, out string
	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Normalize a directory of generated files without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(viper.GetViper(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			files, err := readFiles(dir)
			if err != nil {
				return err
			}
			if name == "" {
				abs, _ := filepath.Abs(dir)
				name = filepath.Base(abs)
			}
			project, report := sanitize.Sanitize(files, sanitize.Options{
				ProjectName:       wrangler.Slug(name),
				CompatibilityDate: cfg.Cloudflare.CompatibilityDate,
				AccountID:         cfg.Cloudflare.AccountID,
			})
			if out != "" {
				if err := writeFiles(out, project.Files()); err != nil {
					return err
				}
			}
			w := cmd.OutOrStdout()
			if viper.GetBool("json") {
				return printJSON(w, map[string]any{"fingerprint": project.Fingerprint(), "paths": project.SortedPaths(), "report": report})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.AppendHeader(table.Row{"Path", "Bytes"})
			for _, f := range project.Files() {
				tw.AppendRow(table.Row{f.Path, len(f.Content)})
			}
			tw.Render()
			for _, s := range report.Synthesized {
				fmt.Fprintln(w, "synthesized:", s)
			}
			for _, d := range report.Dropped {
				fmt.Fprintln(w, "dropped:", d)
			}
			for _, warn := range report.Warnings {
				fmt.Fprintln(w, "warning:", warn)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of generated files")
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().StringVar(&out, "out", "", "write the canonical project below this directory")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// parseTargets reads "path" or "path=description" entries.
func parseTargets(raw []string) []domain.FileSpec {
	specs := make([]domain.FileSpec, 0, len(raw))
	for _, r := range raw {
		path, desc, _ := strings.Cut(r, "=")
		if path = strings.TrimSpace(path); path == "" {
			continue
		}
		specs = append(specs, domain.FileSpec{Path: path, Description: strings.TrimSpace(desc)})
	}
	return specs
}

// readFiles loads every regular file below dir, skipping hidden directories.
func readFiles(dir string) ([]domain.GeneratedFile, error) {
	var files []domain.GeneratedFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") && d.Name() != ".github" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, domain.GeneratedFile{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no files found in " + dir)
	}
	return files, nil
}

func writeFiles(root string, files []domain.GeneratedFile) error {
	for _, f := range files {
		dest := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
