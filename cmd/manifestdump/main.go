// Manifest dump utility for epochkv.
//
// Use `manifestdump` to print the manifest objects of a store and the live
// table set they produce.
//
// Run the tool:
//
// ```bash
// ./bin/manifestdump [-v] <store-url>
// ```
//
// Output includes:
// - One line per checkpoint and delta.
// - Final live tables per group and level.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/objstore"
)

var verbose = flag.Bool("v", false, "Print every table added and removed")

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: manifestdump [-v] <store-url>")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := objstore.Open(ctx, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	objects, err := store.List(ctx, manifest.Prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing manifest: %v\n", err)
		os.Exit(1)
	}

	// Replay starts at the newest checkpoint, like recovery does.
	var ckpt uint64
	for _, o := range objects {
		if kind, id, ok := manifest.ParsePath(o.Path); ok && kind == manifest.KindCheckpoint {
			ckpt = max(ckpt, id)
		}
	}

	// group -> level -> table id -> size
	live := make(map[manifest.GroupID]map[int]map[manifest.TableID]uint64)
	names := make(map[manifest.GroupID]string)
	var committed uint64
	decoded := 0

	for _, o := range objects {
		kind, id, ok := manifest.ParsePath(o.Path)
		if !ok {
			continue
		}
		if id < ckpt || (id == ckpt && kind == manifest.KindDelta) {
			fmt.Printf("%-10s %8d  (before checkpoint)\n", kindName(kind), id)
			continue
		}
		data, err := store.Get(ctx, o.Path)
		if err != nil {
			fmt.Printf("Error reading %s: %v\n", o.Path, err)
			os.Exit(1)
		}
		var d manifest.VersionDelta
		if err := d.DecodeFrom(data); err != nil {
			fmt.Printf("Decode error at %s: %v\n", o.Path, err)
			os.Exit(1)
		}
		decoded++
		if uint64(d.Epoch) > committed {
			committed = uint64(d.Epoch)
		}

		added, removed := 0, 0
		for _, g := range d.Groups {
			if g.NewGroup != nil {
				names[g.GroupID] = g.NewGroup.Name
			}
			levels := live[g.GroupID]
			if levels == nil {
				levels = make(map[int]map[manifest.TableID]uint64)
				live[g.GroupID] = levels
			}
			for _, r := range g.RemovedTables {
				delete(levels[r.Level], r.ID)
				removed++
				if *verbose {
					fmt.Printf("    - group %d L%d table %d\n", g.GroupID, r.Level, r.ID)
				}
			}
			for _, t := range g.AddedTables {
				if levels[t.Level] == nil {
					levels[t.Level] = make(map[manifest.TableID]uint64)
				}
				levels[t.Level][t.ID] = t.Size
				added++
				if *verbose {
					fmt.Printf("    + %s\n", t)
				}
			}
		}
		fmt.Printf("%-10s %8d  reason=%-10s epoch=%-8d groups=%d +%d -%d\n",
			kindName(kind), id, d.Reason, d.Epoch, len(d.Groups), added, removed)
	}

	fmt.Println()
	fmt.Printf("Decoded objects: %d\n", decoded)
	fmt.Printf("Committed epoch: %d\n", committed)

	groups := make([]manifest.GroupID, 0, len(live))
	for g := range live {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	for _, g := range groups {
		fmt.Printf("Group %d %q:\n", g, names[g])
		levels := make([]int, 0, len(live[g]))
		for l := range live[g] {
			levels = append(levels, l)
		}
		slices.Sort(levels)
		for _, l := range levels {
			tables := live[g][l]
			if len(tables) == 0 {
				continue
			}
			var bytes uint64
			ids := make([]manifest.TableID, 0, len(tables))
			for id, size := range tables {
				ids = append(ids, id)
				bytes += size
			}
			slices.Sort(ids)
			fmt.Printf("  L%d: %d tables, %s %v\n", l, len(ids), humanize.IBytes(bytes), ids)
		}
	}
}

func kindName(k manifest.ObjectKind) string {
	if k == manifest.KindCheckpoint {
		return "checkpoint"
	}
	return "delta"
}
