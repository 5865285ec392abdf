// Command epochctl drives the control API of an epochd server.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/server"
)

func main() {
	kingpin.CommandLine.HelpFlag.Short('h')
	kingpin.CommandLine.Help = "Control an epochkv cluster."
	addr := kingpin.Flag("addr", "control API base URL").Short('a').Default("http://localhost:7070").String()
	timeout := kingpin.Flag("timeout", "request timeout").Default("1m").Duration()

	pauseCmd := kingpin.Command("pause", "stop epoch advancement and data commits")
	resumeCmd := kingpin.Command("resume", "resume a paused cluster")
	stateCmd := kingpin.Command("state", "show cluster state")
	groupsCmd := kingpin.Command("groups", "list compaction groups")
	flushCmd := kingpin.Command("flush", "seal the write epoch and flush it")

	compactCmd := kingpin.Command("compact", "compact every level of a group")
	compactGroup := compactCmd.Arg("group", "group id").Required().Uint32()

	configCmd := kingpin.Command("config", "update the compaction config of groups")
	configGroups := configCmd.Arg("groups", "group ids").Required().Strings()
	levelSizeBase := configCmd.Flag("level-size-base", "bytes of the first non-zero level, e.g. 256MiB").String()
	multiplier := configCmd.Flag("level-size-multiplier", "size ratio between levels").String()
	levelCount := configCmd.Flag("level-count", "number of levels").String()
	l0Trigger := configCmd.Flag("l0-file-trigger", "L0 table count that triggers compaction").String()
	targetFileSize := configCmd.Flag("target-file-size", "compaction output size, e.g. 8MiB").String()
	compression := configCmd.Flag("compression", "none, snappy, zstd or lz4").String()

	cmd := kingpin.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := server.NewClient(*addr)

	var err error
	switch cmd {
	case pauseCmd.FullCommand():
		var st epochkv.ClusterState
		if st, err = c.Pause(ctx); err == nil {
			printState(st)
		}
	case resumeCmd.FullCommand():
		var st epochkv.ClusterState
		if st, err = c.Resume(ctx); err == nil {
			printState(st)
		}
	case stateCmd.FullCommand():
		var st epochkv.ClusterState
		if st, err = c.State(ctx); err == nil {
			printState(st)
		}
	case groupsCmd.FullCommand():
		var groups []server.GroupResponse
		if groups, err = c.Groups(ctx); err == nil {
			printGroups(groups)
		}
	case flushCmd.FullCommand():
		var e uint64
		if e, err = c.Flush(ctx); err == nil {
			fmt.Printf("committed epoch %d\n", e)
		}
	case compactCmd.FullCommand():
		start := time.Now()
		if err = c.Compact(ctx, *compactGroup); err == nil {
			fmt.Printf("compacted group %d in %s\n", *compactGroup, time.Since(start).Round(time.Millisecond))
		}
	case configCmd.FullCommand():
		var req server.ConfigUpdateRequest
		req, err = buildUpdate(*configGroups, *levelSizeBase, *multiplier, *levelCount, *l0Trigger, *targetFileSize, *compression)
		if err == nil {
			var groups []server.GroupResponse
			if groups, err = c.UpdateConfig(ctx, req); err == nil {
				printGroups(groups)
			}
		}
	}
	kingpin.FatalIfError(err, "%s", cmd)
}

func buildUpdate(groups []string, levelSizeBase, multiplier, levelCount, l0Trigger, targetFileSize, compression string) (server.ConfigUpdateRequest, error) {
	var req server.ConfigUpdateRequest
	for _, g := range groups {
		id, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			return req, fmt.Errorf("invalid group id %q", g)
		}
		req.Groups = append(req.Groups, uint32(id))
	}
	var err error
	if req.LevelSizeBase, err = parseSize(levelSizeBase); err != nil {
		return req, err
	}
	if req.TargetFileSize, err = parseSize(targetFileSize); err != nil {
		return req, err
	}
	if multiplier != "" {
		v, err := strconv.ParseUint(multiplier, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid multiplier %q", multiplier)
		}
		req.LevelSizeMultiplier = &v
	}
	if req.LevelCount, err = parseInt(levelCount); err != nil {
		return req, err
	}
	if req.L0FileTrigger, err = parseInt(l0Trigger); err != nil {
		return req, err
	}
	if compression != "" {
		req.Compression = &compression
	}
	return req, nil
}

func parseSize(s string) (*uint64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	return &v, nil
}

func printState(st epochkv.ClusterState) {
	status := "running"
	if st.Paused {
		status = "paused"
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "status\t%s\n", status)
	fmt.Fprintf(w, "write epoch\t%d\n", st.WriteEpoch)
	fmt.Fprintf(w, "committed epoch\t%d\n", st.CommittedEpoch)
	fmt.Fprintf(w, "watermark\t%d\n", st.Watermark)
	fmt.Fprintf(w, "pinned snapshots\t%d\n", st.PinnedSnapshots)
	fmt.Fprintf(w, "version\t%d\n", st.VersionID)
	fmt.Fprintf(w, "obsolete tables\t%d\n", st.ObsoleteTables)
	fmt.Fprintf(w, "queued compactions\t%d\n", st.QueuedTasks)
	fmt.Fprintf(w, "throttled compactions\t%s\n", humanize.Comma(st.ThrottledTasks))
	fmt.Fprintf(w, "pending flush\t%t\n", st.PendingFlush)
	w.Flush()
}

func printGroups(groups []server.GroupResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tTABLES\tLEVELS\tL0 TRIGGER\tBASE\tTARGET\tCOMPRESSION")
	for _, g := range groups {
		levels := ""
		for _, l := range g.Levels {
			if l.Tables == 0 {
				continue
			}
			levels += fmt.Sprintf("L%d:%d/%s ", l.Level, l.Tables, humanize.IBytes(l.Bytes))
		}
		name := g.Name
		if g.Failed {
			name += " (failed)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			g.ID, name, humanize.IBytes(g.Size), g.Tables, levels,
			g.Config.L0FileTrigger, humanize.IBytes(g.Config.LevelSizeBase),
			humanize.IBytes(g.Config.TargetFileSize), g.Config.Compression)
	}
	w.Flush()
}
