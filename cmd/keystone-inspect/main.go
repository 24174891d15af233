// keystone-inspect dumps the persisted artifacts of a keystone
// delegate store: interval states, event buckets, and the search
// index.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"

	"github.com/keystonehq/keystone-go/keystone"
	"github.com/keystonehq/keystone-go/keystone/storage"
)

// envelope mirrors the persisted interval-state wire format.
type envelope struct {
	Interval   intervalJSON `json:"interval"`
	Processed  intervalJSON `json:"processed"`
	EventCount uint64       `json:"eventCount"`
	Known      []string     `json:"known"`
	Aggregators []struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	} `json:"aggregators"`
}

type intervalJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (i intervalJSON) String() string {
	format := func(secs float64) string {
		return time.Unix(int64(secs), 0).UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s..%s", format(i.Start), format(i.End))
}

type bucketEnvelope struct {
	Interval intervalJSON      `json:"interval"`
	Events   []json.RawMessage `json:"events"`
}

func main() {
	dbPath := flag.String("db", "", "Path to the BadgerDB delegate store")
	rawKey := flag.String("key", "", "Dump the raw JSON value of one key and exit")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: keystone-inspect -db <path> [-key <key>]")
		os.Exit(1)
	}

	delegate, err := storage.OpenReadOnly(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer delegate.Close()

	ctx := context.Background()

	if *rawKey != "" {
		value, err := delegate.Load(ctx, *rawKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load %q: %v\n", *rawKey, err)
			os.Exit(1)
		}
		if value == nil {
			fmt.Fprintf(os.Stderr, "Key %q not found\n", *rawKey)
			os.Exit(1)
		}
		fmt.Println(string(value))
		return
	}

	if err := printStates(ctx, delegate); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read states: %v\n", err)
		os.Exit(1)
	}
	if err := printEventBuckets(ctx, delegate); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read event buckets: %v\n", err)
		os.Exit(1)
	}
	printSearchIndex(ctx, delegate)
}

func printStates(ctx context.Context, delegate *storage.BadgerDelegate) error {
	keys, err := delegate.KeysWithPrefix("state-")
	if err != nil {
		return err
	}

	color.New(color.FgCyan, color.Bold).Println("Interval states")
	if len(keys) == 0 {
		fmt.Println("  (none)")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout, tablewriter.WithRenderer(renderer.NewMarkdown()))
	table.Header([]string{"Key", "Interval", "Processed", "Events", "Aggregators"})

	for _, key := range keys {
		value, err := delegate.Load(ctx, key)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(value, &env); err != nil {
			table.Append([]string{key, "<undecodable>", "", "", ""})
			continue
		}
		ids := make([]string, 0, len(env.Aggregators))
		for _, agg := range env.Aggregators {
			ids = append(ids, agg.ID)
		}
		table.Append([]string{
			key,
			env.Interval.String(),
			env.Processed.String(),
			fmt.Sprintf("%d", env.EventCount),
			fmt.Sprintf("%v", ids),
		})
	}
	table.Render()
	fmt.Println()
	return nil
}

func printEventBuckets(ctx context.Context, delegate *storage.BadgerDelegate) error {
	keys, err := delegate.KeysWithPrefix("events-")
	if err != nil {
		return err
	}

	color.New(color.FgCyan, color.Bold).Println("Event buckets")
	if len(keys) == 0 {
		fmt.Println("  (none)")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout, tablewriter.WithRenderer(renderer.NewMarkdown()))
	table.Header([]string{"Key", "Interval", "Events"})

	for _, key := range keys {
		value, err := delegate.Load(ctx, key)
		if err != nil {
			return err
		}
		var bucket bucketEnvelope
		if err := json.Unmarshal(value, &bucket); err != nil {
			table.Append([]string{key, "<undecodable>", ""})
			continue
		}
		table.Append([]string{key, bucket.Interval.String(), fmt.Sprintf("%d", len(bucket.Events))})
	}
	table.Render()
	fmt.Println()
	return nil
}

func printSearchIndex(ctx context.Context, delegate *storage.BadgerDelegate) {
	value, err := delegate.Load(ctx, keystone.SearchIndexKey)
	if err != nil || value == nil {
		return
	}
	var idx struct {
		Interval intervalJSON        `json:"interval"`
		Keywords map[string][]string `json:"keywords"`
	}
	if err := json.Unmarshal(value, &idx); err != nil {
		return
	}
	color.New(color.FgCyan, color.Bold).Println("Search index")
	fmt.Printf("  interval %s, %d tokens\n", idx.Interval, len(idx.Keywords))
}
