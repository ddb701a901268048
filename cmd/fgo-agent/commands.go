package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/fgo-agent-go/internal/app"
	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Config.Linking.Watch {
			if err := a.WatchAliases(ctx); err != nil {
				a.Logger.Warn().Err(err).Msg("alias hot reload disabled")
			}
		}
		return a.Server().Start(ctx)
	},
}

var askStream bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		messages := []entities.ChatMessage{{Role: entities.RoleUser, Content: strings.Join(args, " ")}}
		if !askStream {
			res, err := a.Resolver.Resolve(ctx, messages)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, res.Answer)
			return nil
		}

		_, err = a.Resolver.ResolveStream(ctx, messages, func(_ context.Context, delta string) error {
			_, werr := fmt.Fprint(out, delta)
			return werr
		})
		fmt.Fprintln(out)
		return err
	},
}

var ingestWatch bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Load wiki pages and passage files into the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		var dirs []string
		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				n, err := a.Ingest.IngestFile(ctx, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d chunks\n", path, n)
				continue
			}
			files, chunks, err := a.Ingest.IngestDir(ctx, path)
			fmt.Fprintf(out, "%s: %d files, %d chunks\n", path, files, chunks)
			if err != nil {
				return err
			}
			dirs = append(dirs, path)
		}

		if !ingestWatch || len(dirs) == 0 {
			return nil
		}
		fmt.Fprintf(out, "watching %s for changes (Ctrl+C to stop)\n", strings.Join(dirs, ", "))
		g, gctx := errgroup.WithContext(ctx)
		for _, dir := range dirs {
			dir := dir
			g.Go(func() error { return a.WatchDocuments(gctx, dir) })
		}
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List logical models and their failover order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tORDER\tINSTANCE\tTYPE\tPHYSICAL MODEL\tSTATUS")
		for _, lm := range a.Registry.LogicalModels() {
			for i, name := range lm.Instances {
				typ, status := "-", "ready"
				if inst, ok := a.Registry.Instance(name); ok {
					typ = inst.Type
				}
				if _, ok := a.Registry.Adapter(name); !ok {
					status = "unavailable"
				}
				physical, _ := lm.PhysicalName(name)
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", lm.Name, i+1, name, typ, physical, status)
			}
		}
		return w.Flush()
	},
}

var logsLimit int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent routed calls from the call log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenCallLog(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		calls, err := db.RecentCalls(cmd.Context(), logsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tMODEL\tTYPE\tSTREAM\tSTATUS\tINSTANCE\tTOKENS\tDURATION\tATTEMPTS\tERROR")
		for _, c := range calls {
			instance := c.InstanceName
			if instance == "" {
				instance = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%d/%d\t%s\t%d\t%s\n",
				c.StartedAt.Local().Format(time.DateTime), c.LogicalModel, c.Type, c.IsStream, c.Status,
				instance, c.PromptTokens, c.CompletionTokens, c.Duration().Round(time.Millisecond),
				len(c.FailoverEvents), c.ErrorMessage)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fgo-agent %s\n", version)
	},
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the answer as it is generated")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep watching directories and re-ingest changed files")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "number of calls to show")
}
