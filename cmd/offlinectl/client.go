package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/agent"
	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/syncer"
)

var (
	failedOnly bool
	httpClient = &http.Client{Timeout: time.Minute}
)

func init() {
	queueListCmd.Flags().BoolVar(&failedOnly, "failed", false, "only list permanently failed entries")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDiscardCmd)
	rootCmd.AddCommand(statusCmd, syncCmd, queueCmd, connectivityCmd)
}

// apiError is the agent's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call sends a request to the agent and decodes a 2xx JSON answer into out.
func call(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, agentURL+agent.AdminPrefix+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", agentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Code != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return fmt.Errorf("agent returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func onOff(b bool) string {
	if b {
		return "online"
	}
	return "offline"
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st agent.Status
		if err := call(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
			return err
		}
		fmt.Printf("Connectivity: %s (changed %s)\n", onOff(st.Connectivity.Online), since(st.Connectivity.LastChange))
		if st.Connectivity.LastError != "" {
			fmt.Printf("  Last probe error: %s\n", st.Connectivity.LastError)
		}
		fmt.Println()
		fmt.Println("Queue:")
		fmt.Printf("  Pending:    %d\n", st.Sync.PendingCount)
		fmt.Printf("  In flight:  %d\n", st.Sync.InFlight)
		fmt.Printf("  Failed:     %d\n", st.Sync.FailedCount)
		fmt.Printf("  Draining:   %t\n", st.Sync.Draining)
		fmt.Printf("  Last drain: %s\n", since(st.Sync.LastDrainAt))
		if st.Sync.LastError != "" {
			fmt.Printf("  Last error: %s\n", st.Sync.LastError)
		}
		fmt.Println()
		fmt.Println("Storage:")
		fmt.Printf("  Records and media: %s\n", humanize.IBytes(uint64(st.Sync.UsageBytes)))
		fmt.Printf("  Response cache:    %s\n", humanize.IBytes(uint64(st.Sync.CacheBytes)))
		if len(st.Refreshes) > 0 {
			fmt.Printf("\n%s background refresh(es) running\n", humanize.Comma(int64(len(st.Refreshes))))
		}
		fmt.Printf("Event clients: %d\n", st.Clients)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res syncer.DrainResult
		if err := call(cmd.Context(), http.MethodPost, "/sync", nil, &res); err != nil {
			return err
		}
		if res.Skipped {
			fmt.Printf("Sync skipped: %s\n", res.Reason)
			return nil
		}
		fmt.Printf("Acknowledged %d, retrying %d, failed %d, %d left (%s)\n",
			res.Acknowledged, res.Retrying, res.Failed, res.Remaining, res.Duration)
		return nil
	},
}

var connectivityCmd = &cobra.Command{
	Use:       "connectivity online|offline",
	Short:     "Report a platform connectivity change to the agent",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Online bool `json:"online"`
		}
		req := map[string]bool{"online": args[0] == "online"}
		if err := call(cmd.Context(), http.MethodPost, "/connectivity", req, &res); err != nil {
			return err
		}
		fmt.Printf("Agent is %s\n", onOff(res.Online))
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/queue"
		if failedOnly {
			path += "?state=failed"
		}
		var entries []offline.QueueEntry
		if err := call(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOPERATION\tRECORD\tSTATE\tATTEMPTS\tSIZE\tQUEUED\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d\t%s\t%s\t%s\n",
				e.ID, e.Operation, e.TargetResourceType, e.TargetRecordID, e.State, e.AttemptCount,
				humanize.Bytes(uint64(len(e.PayloadSnapshot))), humanize.Time(e.CreatedAt), e.LastError)
		}
		return tw.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry ENTRY_ID",
	Short: "Re-queue a permanently failed entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e offline.QueueEntry
		if err := call(cmd.Context(), http.MethodPost, "/queue/"+args[0]+"/retry", nil, &e); err != nil {
			return err
		}
		fmt.Printf("Entry %s is %s\n", e.ID, e.State)
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard ENTRY_ID",
	Short: "Drop a permanently failed entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e offline.QueueEntry
		if err := call(cmd.Context(), http.MethodDelete, "/queue/"+args[0], nil, &e); err != nil {
			return err
		}
		fmt.Printf("Discarded %s %s/%s\n", e.Operation, e.TargetResourceType, e.TargetRecordID)
		return nil
	},
}
