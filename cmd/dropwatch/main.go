package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DropWatch/internal/api"
	"github.com/dharsanguruparan/DropWatch/internal/config"
	"github.com/dharsanguruparan/DropWatch/internal/logging"
	"github.com/dharsanguruparan/DropWatch/internal/model"
	"github.com/dharsanguruparan/DropWatch/internal/pipeline"
	"github.com/dharsanguruparan/DropWatch/internal/shutdown"
	"github.com/dharsanguruparan/DropWatch/internal/signing"
)

var (
	configPath string
	apiBase    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dropwatch: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dropwatch",
		Short: "DropWatch file-arrival monitor",
		Long: `DropWatch gathers newly arrived files into batches, monitors each file until
the status service reports it complete or failed, and shuts down gracefully when
its signal file appears.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults to $DROPWATCH_CONFIG)")
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:8080", "Base URL of a running daemon's status API")
	cmd.AddCommand(
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newRecordsCmd(),
		newClearCmd(),
	)
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			svc, err := pipeline.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			logger.Info("dropwatch running", zap.String("signal_file", cfg.Shutdown.File))
			return svc.Run(cmd.Context())
		},
	}
}

func newStopCmd() *cobra.Command {
	var file, reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to drain and exit by dropping its signal file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				file = cfg.Shutdown.File
			}
			if err := shutdown.Trigger(file, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signal file written to %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Signal file path (defaults to shutdown.file from config)")
	cmd.Flags().StringVar(&reason, "reason", "operator request", "Reason recorded in the signal file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's pipeline state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap api.Snapshot
			if err := callAPI(cmd.Context(), http.MethodGet, "/state", nil, &snap); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:          %s\n", snap.State)
			if snap.CurrentBatch != "" {
				fmt.Fprintf(out, "open batch:     %s (%d files)\n", snap.CurrentBatch, snap.CurrentBatchFiles)
			}
			fmt.Fprintf(out, "batches sealed: %d\n", snap.BatchesSealed)
			fmt.Fprintf(out, "queue:          %d/%d\n", snap.QueueDepth, snap.QueueCapacity)
			fmt.Fprintf(out, "active workers: %d\n", snap.ActiveWorkers)
			fmt.Fprintf(out, "processed:      %d\n", snap.Processed)
			fmt.Fprintf(out, "records:        %d", snap.Records)
			for _, st := range []model.FileStatus{model.StatusPending, model.StatusWorking, model.StatusComplete, model.StatusFail} {
				fmt.Fprintf(out, " %s=%d", st, snap.Counts[st])
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func newRecordsCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List monitored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("offset", strconv.Itoa(offset))
			q.Set("limit", strconv.Itoa(limit))
			var page api.RecordPage
			if err := callAPI(cmd.Context(), http.MethodGet, "/records", q, &page); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tSTATUS\tATTEMPTS\tFLAGS\tBATCH")
			for _, r := range page.Records {
				var flags []string
				if r.Alerted {
					flags = append(flags, "alerted")
				}
				if r.Exhausted {
					flags = append(flags, "exhausted")
				}
				if r.Aborted {
					flags = append(flags, "aborted")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n",
					r.Identity.Name, r.Identity.Size, r.Status, r.Attempts, strings.Join(flags, ","), r.BatchID)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "showing %d of %d\n", len(page.Records), page.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "Records to show")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the daemon's status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.SecretGenerated {
				return errors.New("clear needs signing_secret (or DROPWATCH_SIGNING_SECRET) shared with the daemon")
			}
			expires, sig := signing.NewSigner([]byte(cfg.SigningSecret)).SignFor(api.ClearAction, cfg.SignedTTL)
			q := url.Values{}
			q.Set("expires", strconv.FormatInt(expires, 10))
			q.Set("signature", sig)
			var resp struct {
				Cleared int `json:"cleared"`
			}
			if err := callAPI(cmd.Context(), http.MethodDelete, "/records", q, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", resp.Cleared)
			return nil
		},
	}
}

func callAPI(ctx context.Context, method, path string, q url.Values, out any) error {
	target := strings.TrimRight(apiBase, "/") + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
