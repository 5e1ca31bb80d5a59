package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/internal/config"
	"github.com/ManveerAnand/articulate3D/pkg/archive"
	"github.com/ManveerAnand/articulate3D/pkg/capture"
	"github.com/ManveerAnand/articulate3D/pkg/cli"
	"github.com/ManveerAnand/articulate3D/pkg/genx"
	"github.com/ManveerAnand/articulate3D/pkg/genx/modelloader"
	"github.com/ManveerAnand/articulate3D/pkg/history"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/scene"
	"github.com/ManveerAnand/articulate3D/pkg/transcribe"
	"github.com/ManveerAnand/articulate3D/pkg/worker"
)

var workerFlags struct {
	listen      string
	model       string
	method      string
	retryBudget int
	watchDir    string
	history     string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve controllers: transcribe commands and generate scripts",
	Long: `Listen for controller connections. For every command the worker asks
the controller for the current scene, generates a script with the selected
model and sends it back. When the controller reports that a script failed,
the worker regenerates it with the error until the retry budget is spent.

With worker.watch_dir set, *.wav and *.txt files dropped into that folder
are submitted as commands for the most recently configured controller.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		applyWorkerFlags(cmd, &cfg)

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runWorker(ctx, &cfg, slog.Default())
	},
}

func init() {
	f := workerCmd.Flags()
	f.StringVarP(&workerFlags.listen, "listen", "l", "", "listen address (default 127.0.0.1:65432)")
	f.StringVarP(&workerFlags.model, "model", "m", "", "default model (default "+worker.DefaultModel+")")
	f.StringVar(&workerFlags.method, "method", "", "default audio method: direct, whisper or gemini-stt")
	f.IntVar(&workerFlags.retryBudget, "retry-budget", worker.DefaultRetryBudget, "regenerations after a failed execution")
	f.StringVar(&workerFlags.watchDir, "watch-dir", "", "drop folder for *.wav and *.txt commands")
	f.StringVar(&workerFlags.history, "history", "", "history backend: memory or badger")
	rootCmd.AddCommand(workerCmd)
}

func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Listen = workerFlags.listen
	}
	if f.Changed("model") {
		cfg.Worker.Model = workerFlags.model
	}
	if f.Changed("method") {
		cfg.Worker.Method = workerFlags.method
	}
	if f.Changed("retry-budget") {
		n := workerFlags.retryBudget
		cfg.Worker.RetryBudget = &n
	}
	if f.Changed("watch-dir") {
		cfg.Worker.WatchDir = workerFlags.watchDir
	}
	if f.Changed("history") {
		cfg.Worker.History.Backend = workerFlags.history
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := newWorker(ctx, cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(cfg.Listen)
		if errors.Is(err, worker.ErrServerClosed) {
			return nil
		}
		return err
	})
	if dir := cfg.Worker.WatchDir; dir != "" {
		g.Go(func() error {
			src := &capture.DirSource{Dir: dir, Logger: log}
			err := src.Run(ctx, func(ctx context.Context, c capture.Command) error {
				err := srv.Submit(ctx, c)
				if errors.Is(err, worker.ErrNoController) {
					log.Warn("dropping command, no controller connected", "source", c.Source)
					return nil
				}
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	return g.Wait()
}

// newWorker builds a server from cfg. The server owns the history store
// it opens.
func newWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) (*worker.Server, error) {
	w := cfg.Worker
	gens := genx.NewMux()
	trs := transcribe.NewMux()
	loader := &modelloader.Loader{Generators: gens, Transcribers: trs}

	var names []string
	var err error
	if w.ModelsDir != "" {
		names, err = loader.LoadFromDir(ctx, w.ModelsDir)
	} else {
		names, err = loader.RegisterAll(ctx, providers(cfg))
	}
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no models available: set %s or %s, or configure worker.models_dir",
			cfg.Providers.Gemini.APIKeyEnv, cfg.Providers.OpenAI.APIKeyEnv)
	}
	log.Info("models registered", "patterns", names)

	wc := worker.Config{
		Generators:       gens,
		Transcribers:     trs,
		Model:            w.Model,
		RetryBudget:      worker.DefaultRetryBudget,
		ContextTimeout:   w.ContextTimeout.Std(),
		RetryWindow:      w.RetryWindow.Std(),
		MaxFrameSize:     w.MaxFrameSize,
		MaxInflight:      w.MaxInflight,
		StructuredOutput: w.StructuredOutput,
		Logger:           log,
	}
	if w.RetryBudget != nil {
		wc.RetryBudget = *w.RetryBudget
	}
	if w.Method != "" {
		if wc.Method, err = protocol.ParseMethod(w.Method); err != nil {
			return nil, err
		}
	}
	if w.SceneFilter != "" {
		if wc.SceneFilter, err = scene.ParseFilter(w.SceneFilter); err != nil {
			return nil, fmt.Errorf("worker.scene_filter: %w", err)
		}
	}
	if wc.Archive, err = openArchive(w.Archive); err != nil {
		return nil, err
	}
	if wc.History, err = openHistory(w.History, log); err != nil {
		return nil, err
	}
	srv, err := worker.NewServer(wc)
	if err != nil {
		wc.History.Close()
		return nil, err
	}
	return srv, nil
}

// providers maps the providers section onto the default model routes.
func providers(cfg *config.Config) []modelloader.Provider {
	ps := modelloader.Defaults()
	for i := range ps {
		var p *config.Provider
		switch ps[i].Kind {
		case "gemini":
			p = cfg.Providers.Gemini
		case "openai":
			p = cfg.Providers.OpenAI
		}
		if p == nil {
			continue
		}
		if p.APIKeyEnv != "" {
			ps[i].APIKey = "$" + p.APIKeyEnv
		}
		ps[i].BaseURL = p.BaseURL
	}
	return ps
}

func openHistory(h config.History, log *slog.Logger) (history.Store, error) {
	switch h.Backend {
	case "", "memory":
		return history.NewMemory(), nil
	case "badger":
		dir := h.Dir
		if dir == "" {
			paths, err := cli.NewPaths()
			if err != nil {
				return nil, err
			}
			dir = paths.HistoryDir()
		}
		return history.NewBadger(history.BadgerOptions{Dir: dir, Logger: log})
	default:
		return nil, fmt.Errorf("unknown history backend %q", h.Backend)
	}
}

func openArchive(a config.Archive) (archive.Store, error) {
	switch a.Backend {
	case "":
		return nil, nil
	case "local":
		dir := a.Dir
		if dir == "" {
			paths, err := cli.NewPaths()
			if err != nil {
				return nil, err
			}
			dir = paths.ArchiveDir()
		}
		return archive.NewLocal(dir)
	case "s3":
		client := archive.NewS3Client(archive.S3Options{
			Region:    a.Region,
			Endpoint:  a.Endpoint,
			PathStyle: a.PathStyle,
		})
		return archive.NewS3(client, a.Bucket, a.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.Backend)
	}
}
