package main

import (
	"bufio"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/tradegate/internal/app"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gate mode and deviation summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				dev := a.Engine.Status()
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"gate": a.Gate.Status(),
					"deviation": map[string]any{
						"trade_count":            dev.TradeCount,
						"baseline_established":   dev.BaselineEstablished,
						"consecutive_deviations": dev.ConsecutiveDeviations,
						"recent_alerts":          dev.RecentAlerts,
					},
				})
			})
		},
	}
}

func newActivateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate [reason]",
		Short: "Halt all trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				err := a.Gate.Activate(reasonOf(args, "manual activation"))
				if perr := printJSON(cmd.OutOrStdout(), a.Gate.Status()); perr != nil {
					return perr
				}
				if err != nil {
					return fmt.Errorf("halt is in effect but was not persisted: %w", err)
				}
				return nil
			})
		},
	}
}

func newEmergencyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "emergency [reason]",
		Short: "Halt all trading and notify operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				err := a.Gate.EmergencyShutdown(reasonOf(args, "manual emergency shutdown"))
				if perr := printJSON(cmd.OutOrStdout(), a.Gate.Status()); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newDeactivateCmd(g *globalFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "deactivate [reason]",
		Short: "Release the halt into ARMED (simulated execution only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := bufio.NewReader(cmd.InOrStdin())
			c, err := readCode(cmd, lines, code, "Authorization code: ")
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app.App) error {
				if err := a.Gate.Deactivate(c, reasonOf(args, "manual deactivation")); err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), a.Gate.Status())
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "primary authorization code (prompted when empty)")
	return cmd
}

func newEnableLiveCmd(g *globalFlags) *cobra.Command {
	var code, override string
	cmd := &cobra.Command{
		Use:   "enable-live",
		Short: "Enable real-money execution (double authorization)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := bufio.NewReader(cmd.InOrStdin())
			c, err := readCode(cmd, lines, code, "Primary authorization code: ")
			if err != nil {
				return err
			}
			o, err := readCode(cmd, lines, override, "Override code: ")
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app.App) error {
				if err := a.Gate.EnableLiveTrading(c, o); err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "LIVE TRADING ENABLED: real funds at risk")
				return printJSON(cmd.OutOrStdout(), a.Gate.Status())
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "primary authorization code (prompted when empty)")
	cmd.Flags().StringVar(&override, "override", "", "override authorization code (prompted when empty)")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent audit log entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				entries, err := a.Audit.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func newDeviationCmd(g *globalFlags) *cobra.Command {
	dev := &cobra.Command{
		Use:   "deviation",
		Short: "Inspect the trade deviation monitor",
	}

	dev.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the baseline and alert counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Engine.Status())
			})
		},
	})

	var limit int
	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent deviation alerts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.Engine.RecentAlerts(limit))
			})
		},
	}
	alerts.Flags().IntVar(&limit, "limit", 10, "number of alerts")
	dev.AddCommand(alerts)
	return dev
}

func newHashCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-code",
		Short: "Print a bcrypt hash for KILL_SWITCH_AUTH_HASH or KILL_SWITCH_OVERRIDE_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCode(cmd, bufio.NewReader(cmd.InOrStdin()), "", "Code to hash: ")
			if err != nil {
				return err
			}
			h, err := safety.HashCode(c)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

// describe adds operator guidance to gate errors.
func describe(err error) error {
	switch {
	case errors.Is(err, safety.ErrUnauthorized):
		return fmt.Errorf("%w: check KILL_SWITCH_AUTH_CODE / KILL_SWITCH_OVERRIDE_CODE", err)
	case errors.Is(err, safety.ErrHaltActive):
		return fmt.Errorf("%w: run deactivate first", err)
	case errors.Is(err, safety.ErrPersistence):
		return fmt.Errorf("%w: previous mode kept", err)
	}
	return err
}
