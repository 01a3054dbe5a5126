package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/CZERTAINLY/Boxworker/internal/model"
)

var (
	userConfigPath string // /default/config/path/boxworker on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = os.TempDir()
	}
	userConfigPath = filepath.Join(d, "boxworker")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is boxworker.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	rootCmd.PersistentPreRunE = initBoxworker

	scanCmd.Flags().StringVar(&flagNmapParameter, "nmap-parameter", "", "additional nmap arguments for every target")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("boxworker failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "boxworker",
	Short:        "Worker claiming scan jobs from the engine and reporting their findings",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run polls the engine for jobs and serves the status endpoint",
	RunE:  doRun,
}

var scanCmd = &cobra.Command{
	Use:   "scan target...",
	Short: "scan runs the executor once over given targets without an engine",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doScan,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Redacted().AsYAML(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a boxworker",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "boxworker: version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config:    %s\n", configPath)
		}
		fmt.Fprintf(out, "boxworker: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:     %s\n", s.Value)
			}
		}
		fmt.Fprintln(out)
	},
}

func initBoxworker(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("BOXWORKER_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "boxworker.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var r io.Reader
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}

	var err error
	config, err = model.LoadConfig(r)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	level := log.Level(config.Log.Level)
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(os.Stderr, level, config.Log.Format))

	slog.Debug("boxworker", "configPath", configPath)
	slog.Debug("boxworker", "config", config.Redacted())
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
