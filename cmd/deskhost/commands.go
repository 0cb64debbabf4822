package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/deskhost/internal/app"
	"github.com/loykin/deskhost/internal/config"
	"github.com/loykin/deskhost/internal/instance"
	"github.com/loykin/deskhost/pkg/client"
)

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open the window and supervise the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, flags, false)
		},
	}
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Supervise the backend without a window (HTTP bridge only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(cmd, flags, true)
		},
	}
}

func runApp(cmd *cobra.Command, flags *GlobalFlags, headless bool) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	a, err := app.New(app.Options{Config: cfg, Headless: headless})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = a.Run(ctx)
	if errors.Is(err, app.ErrHandedOff) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deskhost is already running; activated it")
		return nil
	}
	return err
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend status of the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.APITimeout)
			defer cancel()
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), statusTable(info))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend of the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.APITimeout)
			defer cancel()
			if _, err := c.Restart(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "restart requested")
			return err
		},
	}
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent backend output",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.APITimeout)
			defer cancel()
			out, err := c.Logs(ctx, lines)
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of lines")
	return cmd
}

// newClient targets --api-url when given, else the local running instance.
func newClient(flags *GlobalFlags) (*client.Client, error) {
	if flags.APIUrl != "" {
		return client.New(client.Config{BaseURL: flags.APIUrl, Token: flags.APIToken, Timeout: flags.APITimeout}), nil
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	info, err := instance.Read(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	token := flags.APIToken
	if token == "" {
		token = info.Token
	}
	return client.New(client.Config{BaseURL: info.URL(), Token: token, Timeout: flags.APITimeout}), nil
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func statusTable(info client.BackendInfo) string {
	started := "-"
	uptime := "-"
	if info.StartedAt != nil {
		started = info.StartedAt.Local().Format(time.DateTime)
		uptime = time.Since(*info.StartedAt).Truncate(time.Second).String()
	}
	exit := "-"
	if info.LastExitCode != nil {
		exit = strconv.Itoa(*info.LastExitCode)
	}
	pid := "-"
	if info.PID != 0 {
		pid = strconv.Itoa(info.PID)
	}
	cpu, rss := "-", "-"
	if info.Resources != nil {
		cpu = fmt.Sprintf("%.1f%%", info.Resources.CPUPercent)
		rss = fmt.Sprintf("%.1f MB", float64(info.Resources.MemoryRSS)/1024/1024)
	}
	lastErr := info.LastError
	if lastErr == "" {
		lastErr = "-"
	}
	headers := []string{"Name", "State", "Ready", "PID", "Started", "Uptime", "Restarts", "Last exit", "CPU", "RSS", "Last error"}
	row := []string{
		info.Name, info.State, strconv.FormatBool(info.Ready), pid, started, uptime,
		strconv.FormatUint(uint64(info.Restarts), 10), exit, cpu, rss, lastErr,
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}
	return renderTable(headers, [][]string{row}, aligns)
}
