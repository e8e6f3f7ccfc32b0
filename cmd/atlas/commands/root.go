package commands

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/sdk"
)

var (
	cfgFile   string
	serverURL string
	identity  string
)

func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "atlas",
		Short:         "Command security gateway for AI agents",
		Long:          "Atlas Gateway classifies, sanitizes, approves and sandboxes the shell commands an AI agent wants to run.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "atlas.yaml", "config file path")
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ATLAS_SERVER", "http://127.0.0.1:8080"), "gateway URL for client commands")
	root.PersistentFlags().StringVar(&identity, "as", envOr("ATLAS_IDENTITY", currentUser()), "identity sent as requester or reviewer")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newClassifyCmd(),
		newSanitizeCmd(),
		newValidateCmd(),
		newSubmitCmd(),
		newApprovalsCmd(),
		newHistoryCmd(),
		newPresetsCmd(),
		newRulesCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and applies ATLAS_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient() *sdk.Client {
	return sdk.NewClient(serverURL, identity)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
