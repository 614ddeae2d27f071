package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"perun.network/perun-head-client/client"
	"perun.network/perun-head-client/event"
	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/wire"
)

const defaultConfigPath = "./testdata/head.toml"

func main() {
	path := defaultConfigPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := client.LoadConfig(path)
	if err != nil {
		panic(err)
	}

	c, err := client.New(cfg)
	if err != nil {
		panic(err)
	}

	c.OnMessage(func(msg wire.Message) {
		log.Printf("<- %s", msg.Tag())
	})
	c.OnStatus(head.Open, func(s event.StatusChanged) {
		log.Printf("Head is open (was %s), snapshot holds %d outputs", s.Old, len(c.Snapshot()))
	})
	c.OnAnomaly(func(a event.Anomaly) {
		log.Printf("Anomaly while %s: %s", a.Status, a.Reason)
	})

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		panic(err)
	}

	// The greeting arrives right after the dial and settles the status.
	time.Sleep(time.Second)
	log.Println("Connected, head status:", c.Status())

	switch c.Status() {
	case head.Idle:
		receipt, err := c.Init(ctx)
		if err != nil {
			panic(err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := receipt.Wait(waitCtx); err != nil {
			panic(err)
		}
		log.Println("Head is initializing, drafting an empty commit")

		draft, err := c.Commit(ctx, client.EmptyCommit())
		if err != nil {
			panic(err)
		}
		log.Printf("Commit draft ready: %s (%d hex chars)", draft.Type, len(draft.CBORHex))
	case head.Open:
		receipt, err := c.GetUTxO(ctx)
		if err != nil {
			panic(err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		msg, err := receipt.Wait(waitCtx)
		if err != nil {
			panic(err)
		}
		log.Printf("Head is open with %d outputs", len(msg.(*wire.GetUTxOResponse).UTxO))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-sig:
		log.Println("Interrupted, disconnecting")
	case <-c.Done():
		if err := c.Err(); err != nil {
			log.Println("Stream ended:", err)
		}
	}

	if err := c.Disconnect(3 * time.Second); err != nil {
		panic(err)
	}
	log.Println("DONE")
}
