package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/c0deZ3R0/go-offline-kit/agent"
	"github.com/c0deZ3R0/go-offline-kit/notify"
	"github.com/c0deZ3R0/go-offline-kit/offline"
)

var watchSince uint64

func init() {
	watchCmd.Flags().Uint64Var(&watchSince, "since", 0, "replay retained events after this sequence number")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream sync events from the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		wsURL := "ws" + strings.TrimPrefix(agentURL, "http") + agent.AdminPrefix + "/events"
		if watchSince > 0 {
			wsURL += "?since=" + strconv.FormatUint(watchSince, 10)
		}
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			var m notify.Message
			if err := wsjson.Read(ctx, conn, &m); err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway {
					return nil
				}
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					return fmt.Errorf("agent closed the stream: %s", ce.Reason)
				}
				return err
			}
			fmt.Printf("%6d  %s  %s\n", m.Seq, m.At.Format("15:04:05"), describe(m.Event))
		}
	},
}

func describe(e offline.Event) string {
	switch e.Type {
	case offline.EventConnectivityChanged:
		return "connectivity " + onOff(e.Online)
	case offline.EventRecordRekeyed:
		return fmt.Sprintf("record %s is now %s", e.RecordID, e.NewRecordID)
	case offline.EventEntryAcknowledged:
		return fmt.Sprintf("entry %s acknowledged (record %s)", e.EntryID, e.RecordID)
	case offline.EventEntryFailed:
		return fmt.Sprintf("entry %s failed: %s %s", e.EntryID, e.Code, e.Error)
	case offline.EventQueueDrained:
		return fmt.Sprintf("queue drained, %d pending", e.Pending)
	}
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.RecordID != "" {
		b.WriteString(" record=" + e.RecordID)
	}
	if e.Error != "" {
		b.WriteString(" " + e.Error)
	}
	return b.String()
}
