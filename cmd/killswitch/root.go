package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Rajchodisetti/tradegate/internal/app"
	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "killswitch",
		Short: "Operate the trading kill switch",
		Long: `Inspect and operate the trading safety gate directly against its
configured stores.

Examples:
  killswitch status
  killswitch activate "broker outage"
  killswitch deactivate --code $KILL_SWITCH_AUTH_CODE "outage resolved"
  killswitch enable-live
  killswitch deviation alerts --limit 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			observ.ConfigureWriter(cmd.ErrOrStderr(), level, true)
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config/safety.yaml", "config path")
	root.PersistentFlags().StringVar(&g.envFile, "env", ".env", "dotenv file with authorization codes")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log gate events to stderr")

	root.AddCommand(
		newStatusCmd(g),
		newActivateCmd(g),
		newDeactivateCmd(g),
		newEnableLiveCmd(g),
		newEmergencyCmd(g),
		newHistoryCmd(g),
		newDeviationCmd(g),
		newHashCodeCmd(),
	)
	return root
}

// withApp builds the subsystem for a single command and always closes it.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(*app.App) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.HTTP.Enabled = false

	secrets, err := config.LoadSecrets(g.envFile)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, secrets, "")
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reasonOf(args []string, def string) string {
	if r := strings.TrimSpace(strings.Join(args, " ")); r != "" {
		return r
	}
	return def
}

// readCode returns the flag value, or prompts without echo when stdin is a
// terminal. Piped input is read one line per code from lines.
func readCode(cmd *cobra.Command, lines *bufio.Reader, flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read code: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := lines.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read code: %w", err)
	}
	if line = strings.TrimSpace(line); line == "" {
		return "", errors.New("authorization code required")
	}
	return line, nil
}
