package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/stateroom/collab/collab"
)

const DefaultPort = 8090

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Room sync server.

Relays collaboration envelopes between the members of each room and
serves join snapshots to late joiners.

Usage:
    roomserver serve [--port=<port>] [--secret=<secret>]
    roomserver --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    -p --port=<port>     Listen port [default: 8090].
    --secret=<secret>    Room token signing secret. Defaults to $ROOM_SECRET.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	if port == 0 {
		port = DefaultPort
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		secret = os.Getenv("ROOM_SECRET")
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "missing room token secret (--secret or ROOM_SECRET)")
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	hub := NewHub(ctx, []byte(secret), DefaultHubSettings())

	fmt.Printf("roomserver %s on *:%d\n", Version(), port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: hub.Router(),
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			glog.Infof("[h]serve error = %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	os.Exit(0)
}

func Version() string {
	if version := os.Getenv("ROOM_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
