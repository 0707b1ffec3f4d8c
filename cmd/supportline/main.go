package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/supportline/client"
	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/cli"
	"github.com/mistakeknot/supportline/internal/config"
	"github.com/mistakeknot/supportline/internal/server"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "supportline",
		Short:         "Live support chat relay",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), initCmd(), tokenCmd(), statusCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closeLog := config.SetupLogger(cfg.Logging.File, cfg.LogLevel())
			defer closeLog()

			app, err := server.NewApp(*cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("relay starting", "addr", cfg.Server.Addr, "db", dbLabel(cfg.Database.Path))
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SUPPORTLINE_CONFIG"), "path to YAML config")
	return cmd
}

func dbLabel(path string) string {
	if path == "" {
		return "memory"
	}
	return path
}

func initCmd() *cobra.Command {
	var keysFile, agentID, name, role string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an agent API key to the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cli.AddAgentKey(keysFile, cli.AgentKey{AgentID: agentID, Name: name, Role: role})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			cyan := color.New(color.FgCyan)
			green.Fprintf(out, "Added key for %s\n", agentID)
			fmt.Fprintf(out, "  keys file: %s\n", keysFile)
			fmt.Fprint(out, "  key:       ")
			cyan.Fprintln(out, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", auth.ResolveKeysPath(), "keys file to create or extend")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "agent role, e.g. supervisor (default agent)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func tokenCmd() *cobra.Command {
	var secret, agentID, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a short-lived agent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret = strings.TrimSpace(secret)
			if secret == "" {
				return fmt.Errorf("jwt secret required (--secret or SUPPORTLINE_JWT_SECRET)")
			}
			if role == "" {
				role = auth.RoleAgent
			}
			tok, err := auth.NewJWTVerifier([]byte(secret)).Generate(auth.Identity{AgentID: agentID, Name: name, Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("SUPPORTLINE_JWT_SECRET"), "signing secret")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func statusCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report relay health and the conversation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			api := client.New(url, client.WithToken(token))
			health, err := api.Health(ctx)
			if health.Status == "" {
				return fmt.Errorf("relay unreachable: %w", err)
			}
			label := color.New(color.FgGreen).Sprint(health.Status)
			if err != nil {
				label = color.New(color.FgYellow).Sprint(health.Status)
			}
			fmt.Fprintf(out, "relay:     %s\n", label)
			if health.Breaker != "" {
				fmt.Fprintf(out, "store:     breaker %s\n", health.Breaker)
			}
			fmt.Fprintf(out, "visitors:  %d\nagents:    %d\n",
				health.Connections["visitor"], health.Connections["agent"])

			if token == "" {
				return nil
			}
			convs, err := api.Conversations(ctx, "", 20)
			if err != nil {
				return err
			}
			cyan := color.New(color.FgCyan)
			for _, c := range convs {
				holder := c.Holder
				if holder == "" {
					holder = "-"
				}
				cyan.Fprintf(out, "%s", c.ID)
				fmt.Fprintf(out, "  %-6s  %-12s  seq=%d  %s\n", c.Status, holder, c.LastSeq, c.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://"+config.DefaultAddr, "relay base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("SUPPORTLINE_TOKEN"), "agent key or token for the conversation list")
	return cmd
}
