package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"showsync/broker/internal/client"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/offline"
	"showsync/broker/internal/protocol"
	"showsync/broker/tools/showclient"
)

func main() {
	endpoint := flag.String("url", "ws://localhost:43127/ws", "broker websocket endpoint")
	room := flag.String("room", "", "room to join")
	sender := flag.String("sender", "showclient", "sender id; must match the token subject when a token is given")
	token := flag.String("token", "", "bearer token presented on connect")
	queuePath := flag.String("queue", "", "persist the offline queue to this file")
	chat := flag.String("chat", "", "send a chat message after the sync values")
	watch := flag.Bool("watch", false, "keep running and print every frame as JSON")
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "room flag is required")
		os.Exit(1)
	}
	assignments, err := showclient.ParseAssignments(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, err := offline.NewQueue(offline.WithPersistence(*queuePath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "queue error:", err)
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	opts := []client.Option{
		client.WithToken(*token),
		client.WithQueue(queue),
		client.WithLogger(logging.L()),
		client.WithSequenceStart(uint64(time.Now().UnixMilli())),
	}
	if *watch {
		opts = append(opts, client.WithFrameHandler(func(frame protocol.Frame) {
			_ = enc.Encode(frame)
		}))
	}
	c, err := client.New(*endpoint, *room, *sender, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	//1.- Queue everything first so values survive a failed connect.
	for _, assignment := range assignments {
		if _, err := c.Sync(ctx, assignment.Key, assignment.Value); err != nil {
			fmt.Fprintf(os.Stderr, "sync %s: %v\n", assignment.Key, err)
		}
	}
	if *chat != "" {
		if _, err := c.Chat(ctx, *chat); err != nil {
			fmt.Fprintln(os.Stderr, "chat:", err)
		}
	}

	if *watch {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(3)
		}
		return
	}

	//2.- One-shot mode: connect, flush, report what is still pending.
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed, %d operations kept offline: %v\n", queue.Len(), err)
		os.Exit(3)
	}
	defer c.Close()
	result := c.Flush(connectCtx)
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "flush incomplete, %d remaining: %v\n", result.Remaining, result.Err)
		os.Exit(3)
	}
}
