// Command tickcollector runs the Hong Kong equity tick collector: one
// gateway connection, one persistence worker, one watchdog, indefinitely
// under an external process supervisor.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ndrandal/tickcollector/internal/lifecycle"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	coord, err := lifecycle.Bootstrap(os.Args[1:], entry, nil)
	if err != nil {
		entry.WithError(err).Fatal("startup failed")
	}

	if err := coord.Run(context.Background()); err != nil {
		entry.WithError(err).Error("shutting down with error")
		os.Exit(1)
	}

	os.Exit(0)
}
