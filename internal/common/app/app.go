package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM, or when the returned
// cancel function is called. A second signal exits the process straight away.
func CreateContextWithShutdown() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			log.Infof("Received %s, draining", s)
			cancel()
		case <-ctx.Done():
			return
		}
		s := <-signals
		log.Warnf("Received %s while draining, exiting", s)
		os.Exit(1)
	}()
	return ctx, cancel
}
