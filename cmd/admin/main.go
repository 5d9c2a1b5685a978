// Operational CLI. Inspects a server's read-model index, its terminal-epoch
// archives, and the loopback admin endpoints of a running instance.
//
//	admin epochs  -db ./data/index.db
//	admin battle  -db ./data/index.db -epoch ep_x [-after 100]
//	admin archives -data ./data [-load ep_x]
//	admin state   -url http://127.0.0.1:8080
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"crucible/internal/persistence/archive"
	"crucible/internal/persistence/indexdb"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "epochs":
			epochsCmd(os.Args[2:])
			return
		case "battle":
			battleCmd(os.Args[2:])
			return
		case "archives":
			archivesCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin <epochs|battle|archives|state> [flags]")
	os.Exit(2)
}

func epochsCmd(args []string) {
	fs := flag.NewFlagSet("epochs", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index.db", "index db path")
	limit := fs.Int("limit", 50, "max rows")
	_ = fs.Parse(args)

	ix := openIndex(*dbPath)
	defer ix.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := ix.Epochs(ctx, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		ended := r.EndedAt
		if ended == "" {
			ended = "-"
		}
		fmt.Printf("%-12s %-12s cycle=%-4d preset=%-10s creator=%-10s participants=%-3d created=%s ended=%s\n",
			r.ID, r.Phase, r.Cycle, r.Preset, r.Creator, r.Participants, r.CreatedAt, ended)
	}
}

func battleCmd(args []string) {
	fs := flag.NewFlagSet("battle", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index.db", "index db path")
	epochID := fs.String("epoch", "", "epoch id")
	after := fs.Uint64("after", 0, "return entries with seq greater than this")
	limit := fs.Int("limit", 200, "max entries")
	_ = fs.Parse(args)

	if strings.TrimSpace(*epochID) == "" {
		fmt.Fprintln(os.Stderr, "missing -epoch")
		os.Exit(2)
	}

	ix := openIndex(*dbPath)
	defer ix.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := ix.BattleEntries(ctx, *epochID, *after, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		target := ""
		if e.Target != "" {
			target = " -> " + e.Target
		}
		fmt.Printf("[c%03d #%04d] %-18s %s%s: %s\n", e.Cycle, e.Seq, e.Kind, e.Actor, target, e.Message)
	}
}

func archivesCmd(args []string) {
	fs := flag.NewFlagSet("archives", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "server data directory")
	load := fs.String("load", "", "epoch id: dump the full archived snapshot as json")
	_ = fs.Parse(args)

	store := archive.NewStore(*dataDir)
	if *load != "" {
		snap, err := store.Load(*load)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load archive:", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
		return
	}

	metas, err := store.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list archives:", err)
		os.Exit(1)
	}
	for _, m := range metas {
		fmt.Printf("%-12s %-10s cycles=%-4d participants=%-3d archived=%s\n",
			m.EpochID, m.Phase, m.Cycles, m.Participants, m.ArchivedAt)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func openIndex(path string) *indexdb.SQLiteIndex {
	ix, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	return ix
}
