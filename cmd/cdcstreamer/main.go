// Command cdcstreamer is the CDC streamer's entrypoint: it loads a
// configuration document, starts the configured publishers and the
// appropriate dialect decoder, and runs until a shutdown signal arrives
// (spec §6), grounded on this codebase's supervisor command's
// flag-parsing and logger-bootstrap shape, stripped of its gRPC/
// multi-service machinery.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/file"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/kafka"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/messagebus"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/redis"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/relational"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/syslog"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/udp"
	_ "github.com/relaycdc/relaycdc/internal/publish/sinks/webhook"

	"github.com/relaycdc/relaycdc/internal/supervisor"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cdcstreamer", version)
		return 0
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: cdcstreamer <config.json|config.yaml>")
		return 1
	}

	sup, err := supervisor.New(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cdcstreamer: %v\n", err)
		return 1
	}

	if err := sup.Run(context.Background()); err != nil {
		sup.Logger().Errorf("exiting: %v", err)
		return 1
	}
	return 0
}
