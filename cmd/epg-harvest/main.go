// Command epg-harvest builds an XMLTV guide from a TV-guide backend that sits
// behind a browser session.
//
//	run      resolve credentials, smoke-test, fetch every channel, write the guide
//	resolve  credential resolution only
//	session  show the stored session and recent runs
//	replay   rebuild a guide offline from persisted raw responses
//	filter   keep only selected channels of an existing XMLTV file
//	check    probe the configured endpoints and the last written guide
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "epg-harvest:", err)
		}
		stop()
		os.Exit(1)
	}
}
