// Replays the durable battle and event logs for one epoch as a readable
// timeline. Reads the jsonl.zst files the server writes under its data dir;
// no server needs to be running.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	persistlog "crucible/internal/persistence/log"
	"crucible/internal/sim/epoch"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "server data directory")
		epochID = flag.String("epoch", "", "epoch id to replay (empty: all)")
		events  = flag.Bool("events", false, "include the broadcast event stream, not just the battle log")
	)
	flag.Parse()

	entries, err := readBattleLog(filepath.Join(*dataDir, "battle"), *epochID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read battle log:", err)
		os.Exit(1)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EpochID != entries[j].EpochID {
			return entries[i].EpochID < entries[j].EpochID
		}
		return entries[i].Seq < entries[j].Seq
	})

	lastEpoch := ""
	for _, e := range entries {
		if e.EpochID != lastEpoch {
			fmt.Printf("== epoch %s\n", e.EpochID)
			lastEpoch = e.EpochID
		}
		target := ""
		if e.Target != "" {
			target = " -> " + e.Target
		}
		fmt.Printf("  [c%03d #%04d] %-18s %s%s: %s\n", e.Cycle, e.Seq, e.Kind, e.Actor, target, e.Message)
	}
	fmt.Printf("%d battle-log entries\n", len(entries))

	if !*events {
		return
	}

	evs, err := readEvents(filepath.Join(*dataDir, "events"), *epochID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	for _, ev := range evs {
		payload, _ := json.Marshal(ev.Payload)
		fmt.Printf("  [c%03d] event %-18s %s\n", ev.Cycle, ev.Kind, payload)
	}
	fmt.Printf("%d events\n", len(evs))
}

func logFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func readBattleLog(dir, epochID string) ([]epoch.BattleLogEntry, error) {
	paths, err := logFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []epoch.BattleLogEntry
	for _, p := range paths {
		err := persistlog.ReadAllLines(p, func(line []byte) error {
			var e epoch.BattleLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			if epochID == "" || e.EpochID == epochID {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readEvents(dir, epochID string) ([]epoch.Event, error) {
	paths, err := logFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []epoch.Event
	for _, p := range paths {
		err := persistlog.ReadAllLines(p, func(line []byte) error {
			var ev epoch.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			if epochID == "" || ev.EpochID == epochID {
				out = append(out, ev)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
