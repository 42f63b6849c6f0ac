package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/wasm-watchdog/pkg/config"
	"github.com/cuemby/wasm-watchdog/pkg/health"
	"github.com/cuemby/wasm-watchdog/pkg/log"
	"github.com/cuemby/wasm-watchdog/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Watchdog - serve a WebAssembly function over HTTP",
	Long: `Watchdog runs a WebAssembly function behind an HTTP endpoint.

Each request runs the module's entry point on a warm instance from a
bounded pool. Instances see a private copy-on-write view of wasm_root and
may share a single GPU, one lease holder at a time.

Running watchdog without a subcommand is the same as "watchdog serve".`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if check, _ := cmd.Flags().GetBool("run-healthcheck"); check {
			return runHealthcheck()
		}
		return runServe(cmd)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Watchdog version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (environment variables override it)")
	rootCmd.Flags().Bool("run-healthcheck", false, "Check for the lock file and exit 0 when present")

	compileCmd.Flags().StringP("out", "o", "", "Compilation cache directory")
	_ = compileCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the watchdog and metrics servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile IN_FILE -o CACHE_DIR",
	Short: "Compile a module into the on-disk compilation cache and exit",
	Long: `Compile a WebAssembly module ahead of time.

The compiled code is written to CACHE_DIR. Point wasm_cache_dir at the same
directory so "watchdog serve" skips compilation at startup. The target
(wasm_c_target) must match the host; wasm_c_cpu_features adjusts the
enabled WebAssembly features.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return runCompile(cmd, args[0], out)
	},
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit 0 when the watchdog lock file is present",
	Long: `Check for the lock file written by a running watchdog.

Intended for exec health probes. Exits 0 when the file is present and
non-zero when it is missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealthcheck()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\tSHA: %s\tBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func runHealthcheck() error {
	if !health.LockPresent(health.LockPath("")) {
		return errors.New("unable to find lock file")
	}
	return nil
}

func runCompile(cmd *cobra.Command, in, out string) error {
	log.Init(log.Config{Level: log.InfoLevel})

	// function_process is not needed to compile, so the config is not validated
	cfg := config.Default()
	cfg.ApplyEnv(os.LookupEnv)

	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	ctx := context.Background()
	engine, err := runtime.NewEngine(ctx, runtime.Config{
		CacheDir:    out,
		Target:      cfg.WasmCTarget,
		CPUFeatures: cfg.WasmCCPUFeatures,
	})
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	mod, err := engine.CompileFile(ctx, in)
	if err != nil {
		return err
	}

	abs, _ := filepath.Abs(out)
	fmt.Printf("Compiled %s (%s) into %s in %s\n", in, mod.Digest[:12], abs, mod.Compiled)
	return nil
}
