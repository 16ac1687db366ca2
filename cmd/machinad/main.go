// Command machinad boots the kernel core as a long-running process:
// it wires together the memory allocator, scheduler, host object and
// initial task, then serves Prometheus metrics until told to stop.
package main

import (
	"context"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "machinad")

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&bootCommand{
		numCPU:        4,
		queueCapacity: 16,
		numFrames:     4096,
		metricsAddr:   ":9100",
	}, "")

	os.Exit(int(subcommands.Execute(context.Background())))
}
