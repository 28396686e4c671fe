package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/padmux/internal/config"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/pkgloader"
)

type pluginsOptions struct {
	jsonOutput bool
}

func newPluginsCmd(flags *rootFlags) *cobra.Command {
	opts := &pluginsOptions{}

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List plugin packages and whether this host can load them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlugins(cmd, flags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

type pluginEntry struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Core       string `json:"core"`
	Framework  string `json:"framework"`
	Compatible bool   `json:"compatible"`
	Reason     string `json:"reason,omitempty"`
	Path       string `json:"path"`
}

type pluginsPayload struct {
	Core      string        `json:"core"`
	Framework string        `json:"framework"`
	Dir       string        `json:"dir"`
	Count     int           `json:"count"`
	Packages  []pluginEntry `json:"packages"`
}

func runPlugins(cmd *cobra.Command, flags *rootFlags, opts *pluginsOptions) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	entries, err := listPlugins(cfg, logger.Nop())
	if err != nil {
		return newCommandError("list plugins", cfg.PluginsDir, err, "Check that the plugins directory is readable.")
	}

	if opts.jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(pluginsPayload{
			Core:      cfg.CoreVersion,
			Framework: cfg.FrameworkVersion,
			Dir:       cfg.PluginsDir,
			Count:     len(entries),
			Packages:  entries,
		})
	}

	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No plugin packages found in %s.\n", cfg.PluginsDir)
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tVERSION\tCORE\tFRAMEWORK\tSTATUS\tPATH")
	for _, e := range entries {
		status := "ok"
		if !e.Compatible {
			status = "incompatible"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Name, e.Version, e.Core, e.Framework, status, e.Path)
	}
	return writer.Flush()
}

func listPlugins(cfg *config.Config, log *logger.Logger) ([]pluginEntry, error) {
	running, err := pkgloader.ParseVersions(cfg.CoreVersion, cfg.FrameworkVersion)
	if err != nil {
		return nil, err
	}

	loader, err := pkgloader.New(pkgloader.Options{
		NativeDir: cfg.NativeDir,
		Opener:    pkgloader.GoPluginOpener{CacheDir: cfg.ResolvedModuleCacheDir()},
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	pkgs, err := loader.Discover(cfg.PluginsDir)
	if err != nil {
		return nil, err
	}

	entries := make([]pluginEntry, 0, len(pkgs))
	for _, pkg := range pkgs {
		m := pkg.Manifest
		entry := pluginEntry{
			Name:       m.Name,
			Version:    m.Version,
			Core:       m.CoreRange().String(),
			Framework:  m.FrameworkRange().String(),
			Compatible: true,
			Path:       pkg.Path,
		}
		var incompatible pkgloader.ErrIncompatible
		if err := pkgloader.CheckCompatibility(m, running); err != nil {
			entry.Compatible = false
			entry.Reason = err.Error()
			if errors.As(err, &incompatible) {
				entry.Reason = fmt.Sprintf("%s %s not in %s", incompatible.Component, incompatible.Running, incompatible.Range)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
