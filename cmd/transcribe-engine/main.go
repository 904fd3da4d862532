// Command transcribe-engine runs the audio-transcription job engine: an
// HTTP intake front door, a durable task store, and a fixed worker pool
// dispatching to a pluggable speech-recognition backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"transcribeengine/internal/bootstrap"
	"transcribeengine/internal/config"
	"transcribeengine/internal/keymanager"
	"transcribeengine/internal/logging"
	"transcribeengine/internal/store"
)

var (
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "transcribe-engine",
		Short:         "Multi-tenant audio-transcription job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newAdminCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	return root
}

func loadConfig(cmd *cobra.Command, configPath string) (config.Config, error) {
	return config.Load(configPath, cmd.Flags())
}

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
			if err != nil {
				return err
			}

			printStartupBanner(ctx, app, cfg)
			return app.Run(ctx)
		},
	}
	cmd.Flags().String("listen", ":8000", "listen address")
	cmd.Flags().Int("workers", 3, "worker pool size")
	return cmd
}

// printStartupBanner prints the operator-facing summary, including the
// master token exactly once so a fresh deployment is immediately usable.
func printStartupBanner(ctx context.Context, app *bootstrap.App, cfg config.Config) {
	token, err := app.Store.LatestMasterToken(ctx)
	fmt.Println(gray("----------------------------------------------------------------"))
	fmt.Printf("%s listening on %s\n", green("transcribe-engine"), cfg.ListenAddr)
	fmt.Printf("database: %s  staging: %s  workers: %d\n", cfg.DatabasePath, cfg.StagingDir, cfg.WorkerCount)
	if err == nil {
		fmt.Printf("master token: %s\n", yellow(token.Token))
		fmt.Println(gray("save this token; it guards every /admin endpoint"))
	}
	fmt.Println(gray("----------------------------------------------------------------"))
}

func newAdminCmd(configPath *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operator utilities",
	}

	token := &cobra.Command{
		Use:   "token",
		Short: "Print the master token, generating one if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := store.Open(ctx, cfg.DatabasePath, logging.Nop)
			if err != nil {
				return err
			}
			defer st.Close()

			keys := keymanager.New(st, logging.Nop)
			if err := keys.EnsureMasterToken(ctx); err != nil {
				return err
			}
			mt, err := st.LatestMasterToken(ctx)
			if err != nil {
				return err
			}
			fmt.Println(yellow(mt.Token))
			return nil
		},
	}
	admin.AddCommand(token)
	return admin
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			// Open applies pending migrations as part of its startup path.
			st, err := store.Open(cmd.Context(), cfg.DatabasePath, logging.NewComponentLogger("Migrate"))
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Println(green("schema up to date"))
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	example := &cobra.Command{
		Use:   "example",
		Short: "Print a config.yaml with every default filled in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Example()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cfgCmd.AddCommand(example)
	return cfgCmd
}
