package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabfab/docqa/api"
	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/logging"
	"github.com/fabfab/docqa/pipeline"
	"github.com/fabfab/docqa/retriever"
)

type rootFlags struct {
	configPath string
	output     string
	collection string
	production bool
	logLevel   string
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "docqa",
		Short:         "Build a document collection and answer questions from it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "docqa.yaml", "path to the YAML config file")
	pf.StringVar(&flags.output, "output", "", "output root directory (overrides config)")
	pf.StringVar(&flags.collection, "collection", "", "collection name (overrides config)")
	pf.BoolVar(&flags.production, "production", false, "write under the prod directory tree instead of dev")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	for _, stage := range []pipeline.Stage{pipeline.StageCrawl, pipeline.StageSort, pipeline.StageParse, pipeline.StageEmbed, pipeline.StageAll} {
		root.AddCommand(newStageCmd(flags, stage))
	}
	root.AddCommand(newAskCmd(flags), newServeCmd(flags), newClearCmd(flags))
	return root
}

func (f *rootFlags) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.output != "" {
		cfg.OutputRoot = f.output
	}
	if f.collection != "" {
		cfg.Collection = f.collection
	}
	if f.production {
		cfg.Environment = config.Production
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

var stageHelp = map[pipeline.Stage]string{
	pipeline.StageCrawl: "Crawl a site into the raw input directory",
	pipeline.StageSort:  "Sort raw or local files into per-extension directories",
	pipeline.StageParse: "Parse sorted files into JSON chunk lists",
	pipeline.StageEmbed: "Embed chunk lists into the vector collection",
	pipeline.StageAll:   "Run crawl (for URLs), sort, parse and embed",
}

func newStageCmd(flags *rootFlags, stage pipeline.Stage) *cobra.Command {
	var (
		opts       pipeline.Options
		domains    string
		extensions string
		exclude    string
	)
	cmd := &cobra.Command{
		Use:   string(stage),
		Short: stageHelp[stage],
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			opts.AllowedDomains = config.SplitList(domains)
			opts.AllowedExtensions = config.SplitList(extensions)
			opts.Exclude = config.SplitList(exclude)

			a := newApp(cfg, logger)
			defer a.close()

			runner, err := a.runner(cmd.Context(), stage)
			if err != nil {
				return err
			}
			summary, err := runner.Run(cmd.Context(), stage, opts)
			printJSON(cmd, summary)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.Input, "input", "", "input URL or directory (defaults to the previous stage's output)")
	switch stage {
	case pipeline.StageCrawl, pipeline.StageAll:
		fs.StringVar(&domains, "allowed-domains", "", "comma separated domains the crawler may visit")
		fs.IntVar(&opts.MaxPages, "max-pages", 0, "maximum pages to save (0 uses config)")
	}
	switch stage {
	case pipeline.StageSort, pipeline.StageAll:
		fs.StringVar(&extensions, "allowed-extensions", "", "comma separated file extensions to keep")
		fs.StringVar(&exclude, "exclude", "", "comma separated glob patterns to skip")
	}
	switch stage {
	case pipeline.StageParse, pipeline.StageEmbed, pipeline.StageAll:
		fs.IntVar(&opts.Limit, "n-limit", 0, "process at most N documents (0 means all)")
	}
	if stage == pipeline.StageCrawl || stage == pipeline.StageAll {
		_ = cmd.MarkFlagRequired("input")
	}
	return cmd
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		question string
		topK     int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer one question from the collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(question) == "" {
				cmd.Print("Enter your question: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					question = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read question: %w", err)
				}
			}

			a := newApp(cfg, logger)
			defer a.close()
			svc, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}

			req := retriever.Request{Question: question}
			if cmd.Flags().Changed("top-k") {
				req.TopK = &topK
			}
			resp := svc.Ask(cmd.Context(), req)
			if asJSON {
				printJSON(cmd, resp)
			} else {
				printAnswer(cmd, resp)
			}
			if !resp.Success {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "question to ask")
	cmd.Flags().IntVarP(&topK, "top-k", "k", retriever.DefaultTopK, "number of chunks to retrieve (1-20)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the question-intake HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTPAddr
			}

			a := newApp(cfg, logger)
			defer a.close()
			svc, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           api.New(svc, a.store, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.WithField("addr", addr).Info("http server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR or :8080)")
	return cmd
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the collection and its knowledge graph nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if !confirmed {
				cmd.Printf("This will permanently delete collection %q. Continue? [y/N]: ", cfg.Collection)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return fmt.Errorf("read confirmation: %w", err)
					}
					cmd.Println("clear aborted")
					return nil
				}
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if answer != "y" && answer != "yes" {
					cmd.Println("clear aborted")
					return nil
				}
			}

			ctx := cmd.Context()
			a := newApp(cfg, logger)
			defer a.close()

			if err := a.openStore(ctx); err != nil {
				return err
			}
			locker, err := a.locker(ctx)
			if err != nil {
				return err
			}
			release, err := locker.Acquire(ctx, cfg.Collection)
			if err != nil {
				return fmt.Errorf("lock collection %s: %w", cfg.Collection, err)
			}
			defer release()

			if err := a.store.Drop(ctx, cfg.Collection); err != nil {
				return fmt.Errorf("drop collection: %w", err)
			}
			logger.WithField("collection", cfg.Collection).Info("collection dropped")

			driver, err := a.graphDriver(ctx)
			if err != nil {
				return err
			}
			if driver != nil {
				if err := knowledge.Purge(ctx, driver, cfg.Collection); err != nil {
					return fmt.Errorf("clear neo4j: %w", err)
				}
				logger.Info("knowledge graph nodes cleared")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func printAnswer(cmd *cobra.Command, resp retriever.Response) {
	cmd.Println(resp.Answer)
	if resp.SourceInfo != "" {
		cmd.Println()
		cmd.Println("Sources: " + resp.SourceInfo)
	}
}

func printJSON(cmd *cobra.Command, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.PrintErrln("encode output:", err)
		return
	}
	cmd.Println(string(data))
}
