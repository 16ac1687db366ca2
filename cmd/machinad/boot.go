package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/glguida/machina/defs"
	"github.com/glguida/machina/hal"
	"github.com/glguida/machina/mem"
	"github.com/glguida/machina/metrics"
	"github.com/glguida/machina/sched"
	"github.com/glguida/machina/task"
	"github.com/glguida/machina/timer"
)

// bootAddrSpace is bootCommand's lone task's address-space token handed
// to the simulated HAL, which only needs it to be comparable.
type bootAddrSpace struct{}

// bootCommand is the "boot" subcommand: it brings up one task with one
// thread against a simulated HAL and runs until interrupted, exporting
// kernel metrics over HTTP. A real deployment would replace the
// simulated HAL with one backed by actual page-table hardware; nothing
// above the hal.HAL boundary changes.
type bootCommand struct {
	numCPU        int
	queueCapacity int
	numFrames     int
	metricsAddr   string
}

func (*bootCommand) Name() string     { return "boot" }
func (*bootCommand) Synopsis() string { return "bring up the kernel core and serve metrics" }
func (*bootCommand) Usage() string {
	return "boot [-cpus N] [-metrics-addr addr]\n"
}

func (c *bootCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.numCPU, "cpus", c.numCPU, "logical CPU count")
	f.IntVar(&c.queueCapacity, "queue-capacity", c.queueCapacity, "default port queue capacity")
	f.IntVar(&c.numFrames, "frames", c.numFrames, "physical frame count for the simulated allocator")
	f.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "address to serve /metrics on")
}

func (c *bootCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h := hal.NewSimulated()
	m := mem.NewAllocator(c.numFrames, c.numCPU, c.numFrames/16)
	timers := timer.New()
	defer timers.Stop()
	s := sched.New(timers, c.numCPU)

	host := task.NewHost()

	const taskBase, taskSize = 0, 1 << 32
	t, err := task.New(1, bootAddrSpace{}, h, taskBase, taskSize)
	if err != defs.KERN_SUCCESS {
		log.WithField("err", err).Fatal("failed to create boot task")
	}
	if _, err := t.Space.InsertRight(host.NameRight()); err != defs.KERN_SUCCESS {
		log.WithField("err", err).Fatal("failed to install host name port in boot task")
	}
	if _, err := t.Space.InsertRight(host.CtrlRight()); err != defs.KERN_SUCCESS {
		log.WithField("err", err).Fatal("failed to install host control port in boot task")
	}

	th, err := task.NewThread(t, h, m, 0)
	if err != defs.KERN_SUCCESS {
		log.WithField("err", err).Fatal("failed to create boot thread")
	}

	disp := &task.Dispatcher{Sched: s, HAL: h, Mem: m, QueueCapacity: c.queueCapacity}
	if err := disp.PageFault(th, th.MsgBufAddr, hal.ProtDefault); err != defs.KERN_SUCCESS {
		log.WithField("err", err).Fatal("failed to fault in boot thread's message buffer")
	}

	registry := metrics.Registry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.metricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", c.metricsAddr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	for cpu := 0; cpu < c.numCPU; cpu++ {
		cpu := cpu
		g.Go(func() error { return sampleLoop(gctx, s, m, cpu) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	log.WithField("thread", th.ID).WithField("task", t.ID).Info("boot task running")

	if err := g.Wait(); err != nil {
		log.WithField("err", err).Error("machinad exited with error")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// sampleLoop periodically samples allocator and scheduler state into
// the per-CPU Prometheus gauges, one goroutine per logical CPU.
func sampleLoop(ctx context.Context, s *sched.Scheduler, m *mem.Allocator, cpu int) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	label := strconv.Itoa(cpu)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.FreePages.Set(float64(m.FreeCount()))
			counts := s.RunnableCount()
			if cpu < len(counts) {
				metrics.RunnableThreads.WithLabelValues(label).Set(float64(counts[cpu]))
			}
		}
	}
}
