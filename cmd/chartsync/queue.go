package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	chartsync "github.com/chartsync/chartsync/sdk/golang"
)

var (
	queueOutput string
	queueDead   bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueListCmd.Flags().StringVarP(&queueOutput, "output", "o", "table", "output format: table or yaml")
	queueListCmd.Flags().BoolVar(&queueDead, "dead", false, "list dead-lettered operations")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending operation queue",
}

// queueEntry is the YAML shape of a queued operation.
type queueEntry struct {
	ID         int64          `yaml:"id"`
	Type       string         `yaml:"type"`
	Action     string         `yaml:"action"`
	Collection string         `yaml:"collection"`
	EnqueuedAt string         `yaml:"enqueued_at"`
	Attempts   int            `yaml:"attempts"`
	LastError  string         `yaml:"last_error,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty"`
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		var ops []chartsync.PendingOperation
		if queueDead {
			ops, err = client.Queue.ListDead(ctx)
		} else {
			ops, err = client.Queue.ListAll(ctx)
		}
		if err != nil {
			return err
		}

		return writeQueue(out, ops, queueOutput)
	},
}

// writeQueue renders ops as an aligned table or as YAML.
func writeQueue(out io.Writer, ops []chartsync.PendingOperation, format string) error {
	switch format {
	case "yaml":
		entries := make([]queueEntry, 0, len(ops))
		for _, op := range ops {
			e := queueEntry{
				ID:         op.ID,
				Type:       op.Type,
				Action:     string(op.Action),
				Collection: op.TargetCollection,
				EnqueuedAt: op.EnqueuedAt.Format(time.RFC3339),
				Attempts:   op.Attempts,
				LastError:  op.LastError,
			}
			_ = yaml.Unmarshal(op.Payload, &e.Payload)
			entries = append(entries, e)
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(entries)
	case "table":
		if len(ops) == 0 {
			fmt.Fprintln(out, "Queue is empty.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tCOLLECTION\tATTEMPTS\tENQUEUED\tLAST ERROR")
		for _, op := range ops {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
				op.ID, op.Type, op.TargetCollection, op.Attempts,
				op.EnqueuedAt.Local().Format("Jan 02 15:04"), op.LastError)
		}
		return w.Flush()
	}
	return fmt.Errorf("unknown output format %q (valid: table, yaml)", format)
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead-lettered operation back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid operation id %q", args[0])
		}
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		if err := client.Queue.Requeue(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Operation %d requeued. Run 'chartsync sync' to push it.\n", id)
		return nil
	},
}
