package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/kiln/config"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/builds"
	"github.com/cochaviz/kiln/internal/fastbuild"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/setup"
)

const defaultLogLevel = "info"

// globals are the persistent flags shared by every command.
type globals struct {
	workdir    string
	logLevel   string
	logFormat  string
	connectURI string

	levelVar *slog.LevelVar
	logger   *slog.Logger
}

func (g *globals) log() *slog.Logger {
	return g.logger
}

func (g *globals) options() config.Options {
	return config.Options{ConnectURI: g.connectURI, Logger: g.logger}
}

func (g *globals) openWorkdir(root string) (setup.Workdir, error) {
	if root == "" {
		root = g.workdir
	}
	return config.OpenWorkdir(root)
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	g := &globals{levelVar: &levelVar, logger: logging.NewCLI(os.Stderr, &levelVar)}
	slog.SetDefault(g.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(g)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			g.log().Warn("interrupted", "error", err)
			os.Exit(130)
		}
		g.log().Error(err.Error())
		os.Exit(1)
	}
}

func newRootCommand(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Build disk images from the OSTree commits of a build workspace",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&g.workdir, "workdir", ".", "Build workspace containing builds/ and tmp/")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&g.connectURI, "connect-uri", config.DefaultConnectionURI, "Libvirt connection URI")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(g.logLevel)
		if err != nil {
			return err
		}
		g.levelVar.Set(level)

		switch strings.ToLower(g.logFormat) {
		case "", "cli":
		case "json":
			g.logger = logging.New(logging.ModeJSON, os.Stderr, g.levelVar, logging.Options{})
			slog.SetDefault(g.logger)
		default:
			return fmt.Errorf("unknown log format %q", g.logFormat)
		}
		setup.SetLogger(g.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newBuildImageCommand(g),
		newFastBuildCommand(g),
		newListCommand(g),
		newMetaCommand(g),
	)
	return root
}

func newBuildImageCommand(g *globals) *cobra.Command {
	var (
		buildID      string
		force        bool
		hostKey      string
		genprotimgVM string
	)

	kinds := make([]string, 0, len(build.Kinds()))
	for _, kind := range build.Kinds() {
		kinds = append(kinds, kind.Name)
	}

	cmd := &cobra.Command{
		Use:       "build-image <kind>",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		Short:     "Build a disk image of the given kind (" + strings.Join(kinds, ", ") + ")",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := build.ParseKind(args[0])
			if err != nil {
				return err
			}
			if !kind.SecureExecution && (cmd.Flags().Changed("hostkey") || cmd.Flags().Changed("genprotimgvm")) {
				g.log().Warn("secure execution flags are ignored", "kind", kind.Name)
			}

			wd, err := g.openWorkdir("")
			if err != nil {
				return err
			}
			outcome, err := config.BuildImage(cmd.Context(), wd, build.BuildRequest{
				Kind:    kind,
				BuildID: buildID,
				Force:   force,
				SecureExecution: build.SecureExecutionOptions{
					HostKey:      hostKey,
					GenprotimgVM: genprotimgVM,
				},
			}, g.options())
			if err != nil {
				return err
			}

			if outcome.Skipped {
				g.log().Info("image already exists, use --force to rebuild", "path", outcome.Path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&buildID, "build", builds.Latest, "Build ID to create the image for")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the image exists and break a leftover build lock")
	cmd.Flags().StringVar(&hostKey, "hostkey", "", "Secure Execution host key document (qemu-secex)")
	cmd.Flags().StringVar(&genprotimgVM, "genprotimgvm", "", "Protection VM image used when no host key is given (qemu-secex, default "+build.DefaultGenprotimgVM+")")

	return cmd
}

func newFastBuildCommand(g *globals) *cobra.Command {
	var (
		inheritFrom string
		opts        fastbuild.Options
	)

	cmd := &cobra.Command{
		Use:   "fast-build",
		Args:  cobra.NoArgs,
		Short: "Layer local changes onto the latest build and produce a qemu image",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := g.openWorkdir(inheritFrom)
			if err != nil {
				return err
			}
			result, err := config.FastBuild(cmd.Context(), wd, opts, g.options())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&inheritFrom, "inherit-from", "", "Build workspace to inherit from instead of --workdir")
	cmd.Flags().StringVar(&opts.BuildID, "build", builds.Latest, "Build ID to layer onto")
	cmd.Flags().StringVar(&opts.Project, "project", "", "Project to install with make instead of using overrides/rootfs")
	cmd.Flags().BoolVar(&opts.NoUndeploy, "no-undeploy", false, "Keep the previous deployment in the image")
	cmd.Flags().BoolVar(&opts.Network, "network", false, "Give the update VM network access")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Directory for the image (default <workdir>/fastbuilds)")

	return cmd
}

func newListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List builds and the images they record",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := g.openWorkdir("")
			if err != nil {
				return err
			}
			summaries, err := config.List(wd)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUILD\tIMAGES")
			for _, summary := range summaries {
				images := strings.Join(summary.Images, ",")
				if summary.Err != nil {
					images = "error: " + summary.Err.Error()
				} else if images == "" {
					images = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", summary.ID, images)
			}
			return w.Flush()
		},
	}
}

func newMetaCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Inspect build metadata",
	}

	var buildID string
	get := &cobra.Command{
		Use:   "get <dotted.key>",
		Args:  cobra.ExactArgs(1),
		Short: "Print a meta.json value, or None when it is not set",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := g.openWorkdir("")
			if err != nil {
				return err
			}
			value, err := config.MetaGet(wd, buildID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	get.Flags().StringVar(&buildID, "build", builds.Latest, "Build ID to read")

	cmd.AddCommand(get)
	return cmd
}
