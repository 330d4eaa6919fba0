package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"profmon-sim-go/internal/client"
	"profmon-sim-go/internal/processing"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var baseURL string
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show metrics and per-camera state of a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client(baseURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if watch <= 0 {
				status, err := c.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("query %s: %w", c.BaseURL(), err)
				}
				devices, err := c.Devices(cmd.Context())
				if err != nil {
					return fmt.Errorf("query %s: %w", c.BaseURL(), err)
				}
				printStatus(out, status, devices)
				return nil
			}
			c.Poll(cmd.Context(), watch, func(s client.Snapshot) {
				fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))
				if s.Err != nil {
					fmt.Fprintf(out, "error: %v\n", s.Err)
					return
				}
				printStatus(out, s.Status, s.Devices)
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "Service URL (defaults to server.bind)")
	cmd.Flags().DurationVar(&watch, "watch", 0, "Refresh interval; 0 prints once")
	return cmd
}

func newSaveCommand(ctx *commandContext) *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "save <device>...",
		Short: "Write PNG snapshots of the latest images on the service host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client(baseURL)
			if err != nil {
				return err
			}
			for _, device := range args {
				path, err := c.Save(cmd.Context(), device)
				if err != nil {
					return fmt.Errorf("save %s: %w", device, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", device, path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "Service URL (defaults to server.bind)")
	return cmd
}

func printStatus(out io.Writer, status map[string]any, devices []processing.Summary) {
	if run, ok := status["run_id"]; ok {
		fmt.Fprintf(out, "run %v, up %v\n", run, status["uptime"])
	}
	if metrics, ok := status["metrics"].(map[string]any); ok {
		keys := make([]string, 0, len(metrics))
		for k := range metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, metrics[k]))
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
	}
	fmt.Fprintln(out, renderDevices(devices))
}

func renderDevices(devices []processing.Summary) string {
	headers := []string{"Device", "Element", "Cycle", "Max", "Mean", "Centroid", "RMS", "Saturated"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		if !d.HasImage {
			rows = append(rows, []string{d.Device, d.Element, "-", "-", "-", "-", "-", "-"})
			continue
		}
		s := d.Stats
		rows = append(rows, []string{
			d.Device,
			d.Element,
			fmt.Sprint(d.Cycle),
			fmt.Sprint(s.Max),
			fmt.Sprintf("%.2f", s.Mean),
			fmt.Sprintf("%.1f,%.1f", s.CentroidX, s.CentroidY),
			fmt.Sprintf("%.1f,%.1f", s.RMSX, s.RMSY),
			fmt.Sprint(s.Saturated),
		})
	}
	return renderTable(headers, rows, aligns)
}
