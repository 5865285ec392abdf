// Package main provides the sstdump CLI tool for inspecting SSTables in an
// object store.
//
// Usage:
//
//	sstdump --url=<store-url> --table=<id> [options]
//
// Commands:
//
//	scan            Scan all entries
//	properties      Show table properties
//	check           Read every block and verify ordering
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/aalhour/epochkv/internal/dbformat"
	"github.com/aalhour/epochkv/internal/manifest"
	"github.com/aalhour/epochkv/internal/objstore"
	"github.com/aalhour/epochkv/internal/table"
)

var (
	storeURL    = flag.String("url", "", "Object store URL (required)")
	tableID     = flag.Uint64("table", 0, "Table id (required)")
	command     = flag.String("command", "scan", "Command: scan, properties, check")
	hexOutput   = flag.Bool("hex", false, "Output keys and values in hex format")
	limit       = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	fromKey     = flag.String("from", "", "Start user key for scan")
	toKey       = flag.String("to", "", "End user key for scan")
	showValues  = flag.Bool("values", true, "Show values in scan output")
	showSummary = flag.Bool("summary", true, "Show summary statistics")
	help        = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}
	if *storeURL == "" || *tableID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --url and --table flags are required")
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := objstore.Open(ctx, *storeURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reader, err := table.OpenReader(ctx, store, &manifest.TableMeta{ID: manifest.TableID(*tableID)}, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open table %d: %v\n", *tableID, err)
		os.Exit(1)
	}

	switch *command {
	case "scan":
		err = cmdScan(ctx, reader)
	case "properties":
		cmdProperties(reader)
	case "check":
		err = cmdCheck(ctx, reader)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("sstdump - epochkv SSTable inspection tool")
	fmt.Println()
	fmt.Println("Usage: sstdump --url=<store-url> --table=<id> [--command=<cmd>] [options]")
	fmt.Println()
	fmt.Println("Commands (--command):")
	fmt.Println("  scan        Scan all entries (default)")
	fmt.Println("  properties  Show table properties")
	fmt.Println("  check       Verify table integrity")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func formatOutput(data []byte) string {
	if *hexOutput {
		return hex.EncodeToString(data)
	}
	// Print as string if printable, else hex
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func cmdScan(ctx context.Context, reader *table.Reader) error {
	fmt.Printf("Table: %d\n", *tableID)
	fmt.Println("---")

	iter := reader.NewIterator(ctx, nil)
	if *fromKey != "" {
		iter.Seek(dbformat.SeekKey([]byte(*fromKey), dbformat.MaxEpoch))
	} else {
		iter.SeekToFirst()
	}

	count := 0
	var keyBytes, valueBytes uint64
	for ; iter.Valid(); iter.Next() {
		pk, err := dbformat.Parse(iter.Key())
		if err != nil {
			return err
		}
		if *toKey != "" && string(pk.UserKey) >= *toKey {
			break
		}

		value := iter.Value()
		if *showValues && pk.Kind == dbformat.KindPut {
			fmt.Printf("%s @%d %s => %s\n", formatOutput(pk.UserKey), pk.Epoch, pk.Kind, formatOutput(value))
		} else {
			fmt.Printf("%s @%d %s\n", formatOutput(pk.UserKey), pk.Epoch, pk.Kind)
		}

		keyBytes += uint64(len(pk.UserKey))
		valueBytes += uint64(len(value))
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	if *showSummary {
		fmt.Println("---")
		fmt.Printf("Total entries: %d\n", count)
		fmt.Printf("Total key bytes: %s\n", humanize.IBytes(keyBytes))
		fmt.Printf("Total value bytes: %s\n", humanize.IBytes(valueBytes))
	}
	return nil
}

func cmdProperties(reader *table.Reader) {
	p := reader.Properties()
	fmt.Printf("Table: %d\n", *tableID)
	fmt.Println("---")
	fmt.Printf("Group: %d\n", p.GroupID)
	fmt.Printf("Size: %s\n", humanize.IBytes(p.Size))
	fmt.Printf("Entries: %d\n", p.NumEntries)
	fmt.Printf("Deletions: %d\n", p.NumDeletions)
	fmt.Printf("Epochs: [%d, %d]\n", p.MinEpoch, p.MaxEpoch)
	fmt.Printf("Smallest: %s\n", formatOutput(p.Smallest))
	fmt.Printf("Largest: %s\n", formatOutput(p.Largest))
}

func cmdCheck(ctx context.Context, reader *table.Reader) error {
	iter := reader.NewIterator(ctx, nil)
	var prev []byte
	var count, deletions uint64
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := iter.Key()
		pk, err := dbformat.Parse(key)
		if err != nil {
			return fmt.Errorf("entry %d: %w", count, err)
		}
		if prev != nil && dbformat.Compare(prev, key) >= 0 {
			return fmt.Errorf("entry %d: key %s out of order", count, pk)
		}
		prev = append(prev[:0], key...)
		if pk.Kind == dbformat.KindDelete {
			deletions++
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	p := reader.Properties()
	if count != p.NumEntries || deletions != p.NumDeletions {
		return fmt.Errorf("properties claim %d entries (%d deletions), found %d (%d)",
			p.NumEntries, p.NumDeletions, count, deletions)
	}
	fmt.Printf("OK: %d entries verified\n", count)
	return nil
}
