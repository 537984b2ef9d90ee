package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	journalreader "showsync/broker/tools/journal_reader"
)

func main() {
	path := flag.String("path", "", "journal directory or a single .jsonl.sz / .snapshot.json.zst file")
	room := flag.String("room", "", "only show this room")
	replay := flag.Bool("replay", false, "fold the logs into converged state instead of listing records")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	artefacts, err := journalreader.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	artefacts = journalreader.Filter(artefacts, *room)

	var payload any = artefacts
	if *replay {
		payload = journalreader.Replay(artefacts)
	}
	//1.- Render as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
