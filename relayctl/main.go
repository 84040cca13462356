package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/sketchwire/collab/collab"
)

const RelayCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collaboration relay control.

Usage:
    relayctl serve [--port=<port>] [--max_payload=<bytes>]
    relayctl room-link [--base_url=<base_url>]
    relayctl status [--url=<url>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -p --port=<port>           Listen port [default: 3002].
    --max_payload=<bytes>      Drop relayed payloads larger than this [default: 1048576].
    --base_url=<base_url>      Link base url [default: https://app.sketchwire.com].
    --url=<url>                Relay base url [default: http://127.0.0.1:3002].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog flags are not routed through docopt, default to stderr
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if roomLink_, _ := opts.Bool("room-link"); roomLink_ {
		roomLink(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	maxPayload, _ := opts.Int("--max_payload")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := collab.DefaultRelaySettings()
	if 0 < maxPayload {
		settings.MaxPayloadSize = collab.ByteCount(maxPayload)
	}
	relay := collab.NewRelay(ctx, settings)
	defer relay.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: relay.Router(),
	}

	go func() {
		glog.Infof("[relayctl]listening on :%d\n", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Fatalf("listen failed = %s", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	glog.Infof("[relayctl]signal %s, shutting down\n", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// roomLink prints a shareable collaboration link with a fresh room id and a
// fresh room key. The key lives only in the url fragment.
func roomLink(opts docopt.Opts) {
	baseUrl, _ := opts.String("--base_url")

	roomId := hex.EncodeToString(collab.NewId().Bytes()[0:10])
	key := collab.GenerateRoomKey()
	Out.Printf("%s", collab.FormatRoomLink(baseUrl, roomId, key))
}

func status(opts docopt.Opts) {
	url, _ := opts.String("--url")

	response, err := http.Get(url + "/status")
	if err != nil {
		Err.Fatalf("status failed = %s", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	Out.Printf("%d %s", response.StatusCode, string(body))
}
