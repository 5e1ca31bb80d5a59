package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/internal/config"
	"github.com/ManveerAnand/articulate3D/pkg/cli"
	"github.com/ManveerAnand/articulate3D/pkg/controller"
	"github.com/ManveerAnand/articulate3D/pkg/protocol"
	"github.com/ManveerAnand/articulate3D/pkg/scene"
	"github.com/ManveerAnand/articulate3D/pkg/wire"
)

var errWorkerGone = errors.New("worker closed the connection")

var controllerFlags struct {
	addr       string
	model      string
	method     string
	exec       []string
	sceneFile  string
	audio      []string
	sampleRate int
	spawn      bool
	linger     time.Duration
	quiet      bool
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Connect to a worker, answer context requests and run scripts",
	Long: `Connect to a worker and send commands: one per line on stdin, or the
recordings given with --audio. Scripts are executed one at a time by the
--exec interpreter, which receives each script on stdin; without --exec
scripts are only printed.

Input lines:
  add a red cube        a typed command
  @take3.wav            an audio recording
  /model gpt-4o         switch model
  /method whisper       switch audio method

When the input ends the controller waits until no script is queued or
expected for --linger, then exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		applyControllerFlags(cmd, &cfg)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		var in io.Reader = cmd.InOrStdin()
		if len(controllerFlags.audio) > 0 {
			lines := make([]string, len(controllerFlags.audio))
			for i, p := range controllerFlags.audio {
				lines[i] = "@" + p
			}
			in = strings.NewReader(strings.Join(lines, "\n"))
		}
		return runController(ctx, &cfg, in, cmd.OutOrStdout(), slog.Default())
	},
}

func init() {
	f := controllerCmd.Flags()
	f.StringVarP(&controllerFlags.addr, "addr", "a", "", "worker address (default 127.0.0.1:65432)")
	f.StringVarP(&controllerFlags.model, "model", "m", "", "model for this session")
	f.StringVar(&controllerFlags.method, "method", "", "audio method for this session")
	f.StringArrayVar(&controllerFlags.exec, "exec", nil, "interpreter command, repeat for each argument")
	f.StringVar(&controllerFlags.sceneFile, "scene", "", "JSON or YAML file describing the scene")
	f.StringArrayVar(&controllerFlags.audio, "audio", nil, "send these recordings instead of reading stdin")
	f.IntVar(&controllerFlags.sampleRate, "sample-rate", 16000, "sample rate of raw PCM recordings")
	f.BoolVar(&controllerFlags.spawn, "spawn", false, "start a worker as a child process")
	f.DurationVar(&controllerFlags.linger, "linger", 3*time.Second, "idle time before exiting after the input ends")
	f.BoolVarP(&controllerFlags.quiet, "quiet", "q", false, "do not echo scripts")
	rootCmd.AddCommand(controllerCmd)
}

func applyControllerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	c := &cfg.Controller
	if f.Changed("addr") {
		c.Addr = controllerFlags.addr
	}
	if f.Changed("model") {
		c.Model = controllerFlags.model
	}
	if f.Changed("method") {
		c.Method = controllerFlags.method
	}
	if f.Changed("exec") {
		c.Exec = controllerFlags.exec
	}
	if f.Changed("scene") {
		c.SceneFile = controllerFlags.sceneFile
	}
}

func runController(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, log *slog.Logger) error {
	c := cfg.Controller
	method := protocol.Method("")
	if c.Method != "" {
		m, err := protocol.ParseMethod(c.Method)
		if err != nil {
			return err
		}
		method = m
	}

	wc, stopWorker, err := connect(ctx, c.Addr, log)
	if err != nil {
		return err
	}
	defer stopWorker()

	console := cli.NewConsole(out, cli.DefaultTheme)
	console.ShowScripts = !controllerFlags.quiet
	dcfg := controller.Config{
		Scene:         scene.Static{},
		Executor:      executor(c.Exec, log),
		Presenter:     console,
		ScriptTimeout: c.ScriptTimeout.Std(),
		SilentSuccess: c.SilentSuccess,
		Logger:        log,
	}
	if c.SceneFile != "" {
		dcfg.Scene = scene.NewFile(c.SceneFile)
	}
	d, err := controller.NewDispatcher(wc, dcfg)
	if err != nil {
		wc.Close()
		return err
	}

	// Always configure so the worker treats this connection as the
	// active one; empty values keep the worker's defaults.
	if err := d.Configure(c.Model, method); err != nil {
		d.Close()
		return fmt.Errorf("configure: %w", err)
	}

	inputDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Run(gctx)
		select {
		case <-inputDone:
			return err
		default:
		}
		if err == nil {
			err = errWorkerGone
		}
		return err
	})
	g.Go(func() error { return d.RunDrain(gctx, c.DrainInterval.Std()) })
	g.Go(func() error {
		defer d.Close()
		defer close(inputDone)
		s := &session{d: d, model: c.Model, method: method, rate: controllerFlags.sampleRate, log: log}
		if err := s.readLines(gctx, in); err != nil {
			return err
		}
		waitIdle(gctx, d, controllerFlags.linger)
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect dials the worker, starting one first with --spawn. The
// returned func stops a spawned worker.
func connect(ctx context.Context, addr string, log *slog.Logger) (*wire.Conn, func(), error) {
	if !controllerFlags.spawn {
		wc, err := wire.Dial(ctx, addr)
		return wc, func() {}, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}
	args := []string{"worker", "--listen", addr}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	p, err := controller.Spawn(exe, args, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	log.Info("worker started", "pid", p.Pid(), "addr", addr)
	stop := func() {
		if err := p.Stop(5 * time.Second); err != nil {
			log.Warn("worker exited with error", "error", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	wc, err := controller.DialRetry(dctx, addr)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return wc, stop, nil
}

// executor runs scripts through the configured interpreter, or only shows
// them when none is configured.
func executor(command []string, log *slog.Logger) controller.Executor {
	if len(command) > 0 {
		return &controller.CommandExecutor{Command: command}
	}
	log.Info("no interpreter configured, scripts are printed only")
	return controller.ExecutorFunc(func(context.Context, string) error { return nil })
}
