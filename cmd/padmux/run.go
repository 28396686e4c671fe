package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/padmux/internal/host"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/tui"
)

type runOptions struct {
	headless bool
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the host and remap connected controllers",
		Long: "Start the host: load plugin packages, scan for controllers and run a remap session per device.\n" +
			"Send SIGHUP to reload plugins without restarting the process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, flags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Do not show the live monitor")

	return cmd
}

func runHost(cmd *cobra.Command, flags *rootFlags, opts *runOptions) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	interactive := !opts.headless && isTerminal(cmd.OutOrStdout())

	var logWriter io.Writer = cmd.ErrOrStderr()
	if interactive {
		file, err := openLogFile(cfg)
		if err != nil {
			return newCommandError("run", "opening log file", err, "Check that the data directory is writable.")
		}
		defer file.Close()
		logWriter = file
	}

	log, err := newLogger(cfg, logWriter)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{Config: cfg, Logger: log})
	if err != nil {
		return newCommandError("run", "preparing host", err, "Check the data directory and device store permissions.")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		_ = h.Shutdown()
		return newCommandError("run", "starting host", err, "Run with --verbose for details.")
	}

	reloads := make(chan os.Signal, 1)
	if len(reloadSignals) > 0 {
		signal.Notify(reloads, reloadSignals...)
		defer signal.Stop(reloads)
	}
	go reloadOnSignal(ctx, h, reloads, log)

	if interactive {
		if _, err := tui.Run(ctx, h.Bus(), "run "+shortID(h.RunID())); err != nil {
			log.Error(err, "monitor stopped")
		}
	} else {
		<-ctx.Done()
	}

	if err := h.Shutdown(); err != nil {
		return newCommandError("run", "shutting down", err, "Some devices may need to be reconnected.")
	}
	return nil
}

func reloadOnSignal(ctx context.Context, h *host.Host, signals <-chan os.Signal, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			log.Info("reload requested")
			if err := h.Reload(ctx); err != nil {
				log.Error(err, "reload failed")
			}
		}
	}
}

func isTerminal(writer io.Writer) bool {
	if file, ok := writer.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
