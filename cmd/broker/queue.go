package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/retention"
	"github.com/spf13/cobra"
)

// errStopScan ends a retention file scan early
var errStopScan = errors.New("scan limit reached")

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queue files",
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "List the unread events of a retention file",
	Long: `List the unread events of a muxer queue file, memory file or engine
cache file without consuming them. The broker must not have the file open.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueInspect,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge NAME",
	Short: "Delete the queue files of a muxer",
	Long: `Delete the queue and memory files of the muxer NAME, discarding every
event they hold. With --cache, NAME is the broker name and its engine cache
file is deleted as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueuePurge,
}

func init() {
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queuePurgeCmd)

	queueInspectCmd.Flags().Int("limit", 0, "Maximum number of events to list (0 lists all)")

	queuePurgeCmd.Flags().String("cache-dir", "/var/lib/broker", "Directory holding the queue files")
	queuePurgeCmd.Flags().Bool("cache", false, "Also delete the engine cache file of broker NAME")
}

func runQueueInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	limit, _ := cmd.Flags().GetInt("limit")

	if !retention.Exists(path) {
		return fmt.Errorf("retention file %s does not exist", path)
	}
	f, err := retention.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tSOURCE\tDESTINATION\tCONTENT")

	listed, corrupt := 0, 0
	err = f.Scan(func(seq uint64, ev *event.Event, err error) error {
		if limit > 0 && listed >= limit {
			return errStopScan
		}
		listed++
		if err != nil {
			corrupt++
			fmt.Fprintf(tw, "%d\t-\t-\t-\tcorrupt: %v\n", seq, err)
			return nil
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", seq, ev.Type(), ev.Source(), ev.Destination(), content(ev))
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d unread events", f.Len())
	if corrupt > 0 {
		fmt.Fprintf(out, ", %d corrupt", corrupt)
	}
	fmt.Fprintln(out)
	return nil
}

func content(ev *event.Event) string {
	if ev.IsMessage() {
		return string(ev.Message().ProtoReflect().Descriptor().FullName())
	}
	return fmt.Sprintf("%d bytes", len(ev.Payload()))
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	name := args[0]
	dir, _ := cmd.Flags().GetString("cache-dir")
	withCache, _ := cmd.Flags().GetBool("cache")

	paths := []string{retention.QueueFile(dir, name), retention.MemoryFile(dir, name)}
	if withCache {
		paths = append(paths, retention.CacheFile(dir, name))
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		if !retention.Exists(path) {
			continue
		}
		if err := retention.Remove(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Removed %s\n", path)
	}
	return nil
}
