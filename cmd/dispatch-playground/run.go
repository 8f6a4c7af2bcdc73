package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
	"github.com/Swind/go-dispatch/internal/config"
	"github.com/Swind/go-dispatch/internal/logger"
	"github.com/Swind/go-dispatch/internal/playground"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		opts playground.Options
		hold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios, all of them when none is named",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, c, args, opts, hold)
		},
	}

	f := cmd.Flags()
	f.DurationVar(&opts.Delay, "delay", time.Second, "Delay of the dispatch-types delayed step.")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Second, "Bound on every wait a scenario performs.")
	f.IntVar(&opts.Readers, "readers", 4, "Concurrent readers in thread-safe.")
	f.IntVar(&opts.BurstTasks, "burst-tasks", 64, "Tasks submitted by burst.")
	f.Float64Var(&opts.BurstRate, "burst-rate", 200, "Submissions per second in burst.")
	f.IntVar(&opts.BurstWidth, "burst-width", 8, "Width of the burst queue.")
	f.DurationVar(&hold, "hold", 0, "Keep serving metrics this long after the scenarios finished.")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, c *config.Config, names []string, opts playground.Options, hold time.Duration) error {
	c.ApplyDebug()

	log, err := logger.New(logger.Options{
		Severity:        string(c.Logging.Severity),
		Format:          c.Logging.Format,
		FilePath:        c.Logging.FilePath,
		MaxFileSizeMB:   c.Logging.LogRotate.MaxFileSizeMb,
		BackupFileCount: c.Logging.LogRotate.BackupFileCount,
		Compress:        c.Logging.LogRotate.Compress,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	if len(names) == 0 {
		for _, s := range playground.Scenarios() {
			names = append(names, s.Name)
		}
	}
	for _, name := range names {
		if _, ok := playground.Lookup(name); !ok {
			return fmt.Errorf("unknown scenario %q, see the list command", name)
		}
	}

	stack, err := setupMetrics(ctx, c.Metrics)
	if err != nil {
		return err
	}

	d, err := dispatch.New(c.SchedulerConfig(log.Core(), stack.metrics))
	if err != nil {
		return errors.Join(err, stack.shutdown(context.Background()))
	}
	for _, qc := range c.Queues {
		var qopts []core.QueueOption
		if qc.Width > 0 {
			qopts = append(qopts, core.WithWidth(qc.Width))
		}
		if _, err := d.CreateQueue(qc.Label, qc.Discipline, qc.QoS, qopts...); err != nil {
			d.Shutdown()
			return errors.Join(err, stack.shutdown(context.Background()))
		}
	}
	log.Debug("dispatcher started", "config", c.String())

	serveCtx, stopServing := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)
	stack.serve(gctx, g, d, log)

	g.Go(func() error {
		defer stopServing()
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "=== %s\n", name)
			if _, err := playground.Run(gctx, name, d, cmd.OutOrStdout(), opts); err != nil {
				return err
			}
		}
		if hold > 0 && stack.address != "" {
			log.Info("holding metrics endpoint", "address", stack.address, "for", hold)
			select {
			case <-time.After(hold):
			case <-gctx.Done():
			}
		}
		return nil
	})

	runErr := g.Wait()
	stopServing()

	shutdownErr := d.ShutdownGraceful(c.Scheduler.ShutdownTimeout)
	if shutdownErr != nil {
		log.Warn("shutdown cancelled queued work", "error", shutdownErr)
	}
	return errors.Join(runErr, stack.shutdown(context.Background()))
}
