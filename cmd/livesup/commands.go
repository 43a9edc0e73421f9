package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	tlsx "github.com/loykin/livesup/internal/tls"
	"github.com/loykin/livesup/pkg/client"
)

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CAFile     string
	Resources  bool
	JSON       bool
}

// CallFlags holds flags for the call command
type CallFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CAFile     string
	Service    string
	Method     string
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration, caFile *string) {
	cmd.Flags().StringVar(url, "url", "http://localhost:3030", "supervisor URL (https:// for TLS)")
	cmd.Flags().DurationVar(timeout, "timeout", 30*time.Second, "request timeout")
	cmd.Flags().StringVar(caFile, "ca", "", "CA certificate to verify a TLS supervisor")
}

func newClient(url string, timeout time.Duration, caFile string) (*client.Client, error) {
	cfg := client.Config{BaseURL: url, Timeout: timeout}
	if caFile != "" || strings.HasPrefix(url, "https://") {
		t, err := tlsx.ClientConfig(caFile)
		if err != nil {
			return nil, err
		}
		cfg.TLS = t
	}
	return client.New(cfg), nil
}

// createStatusCommand creates the status subcommand
func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show services and connected nodes",
		Long: `Show the state of every managed service of a running supervisor.

Examples:
  livesup status
  livesup status --url=http://remote:3030 --resources --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(flags.APIUrl, flags.APITimeout, flags.CAFile)
			if err != nil {
				return err
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), c, flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout, &flags.CAFile)
	cmd.Flags().BoolVar(&flags.Resources, "resources", false, "include CPU and memory of service processes")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func runStatus(ctx context.Context, w io.Writer, c *client.Client, flags *StatusFlags) error {
	st, err := c.Status(ctx, flags.Resources)
	if err != nil {
		return err
	}
	if flags.JSON {
		return printJSON(w, st)
	}

	names := make([]string, 0, len(st.Services))
	for n := range st.Services {
		names = append(names, n)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintf(w, "%-20s %-12s %-8s %-10s %-9s %s\n", "SERVICE", "STATE", "PID", "HEALTH", "RESTARTS", "REASON")
	for _, n := range names {
		s := st.Services[n]
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		_, _ = fmt.Fprintf(w, "%-20s %-12s %-8s %-10s %-9d %s\n", n, s.State, pid, s.HealthState, s.RestartCount, s.LastReason)
		if r, ok := st.Resources[n]; ok && r != nil {
			_, _ = fmt.Fprintf(w, "  cpu %.1f%%  rss %.1f MB  threads %d\n", r.CPUPercent, r.MemoryMB, r.NumThreads)
		}
	}
	connected := 0
	for _, nd := range st.Nodes {
		if nd.Connected {
			connected++
		}
	}
	_, _ = fmt.Fprintf(w, "\n%d node(s) connected\n", connected)
	return nil
}

// createCallCommand creates the call subcommand
func createCallCommand(flags *CallFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [args...]",
		Short: "Call an rpc method on a service",
		Long: `Call a method on a connected service through the supervisor.
Each argument is parsed as JSON and falls back to a plain string.

Examples:
  livesup call --service=agenda --method=list
  livesup call --service=calc --method=add 2 3
  livesup call --service=supervisor --method=services`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags.APIUrl, flags.APITimeout, flags.CAFile)
			if err != nil {
				return err
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), c, flags, args)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout, &flags.CAFile)
	cmd.Flags().StringVar(&flags.Service, "service", "", "target service (required)")
	cmd.Flags().StringVar(&flags.Method, "method", "", "method name (required)")
	if err := cmd.MarkFlagRequired("service"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("method"); err != nil {
		panic(err)
	}
	return cmd
}

func runCall(ctx context.Context, w io.Writer, c *client.Client, flags *CallFlags, args []string) error {
	res, err := c.CallRaw(ctx, flags.Service, flags.Method, parseArgs(args))
	if err != nil {
		return err
	}
	if len(res) == 0 {
		res = json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(res, &v); err != nil {
		_, _ = fmt.Fprintln(w, string(res))
		return nil
	}
	return printJSON(w, v)
}

// parseArgs treats each argument as JSON, quoting it as a string otherwise.
func parseArgs(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		b, _ := json.Marshal(a)
		out = append(out, b)
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
