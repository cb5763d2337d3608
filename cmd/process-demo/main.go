// Command process-demo boots the simulated kernel, runs a few fork trees on
// it, and prints what each parent collected from waitpid. With --serve it
// keeps running and exposes metrics and the process table over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kproc/internal/config"
	"kproc/internal/logging"
	"kproc/pkg/kheap"
	"kproc/pkg/machine"
	"kproc/pkg/process"
	"kproc/pkg/thread"
	"kproc/pkg/vfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := config.Default()
	var (
		parents  int
		children int
		orphans  bool
		serve    bool
	)

	cmd := &cobra.Command{
		Use:   "process-demo",
		Short: "Run fork/exit/waitpid scenarios on the simulated kernel",
		Long: `Boots the process core on a goroutine-backed machine, starts several ` +
			`parentless processes that each fork and reap children, and reports the ` +
			`exit statuses they collected.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(&opts, cmd); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			logging.Initialize(config.Logging(opts))

			d, err := newDemo(opts.Process(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := d.run(cmd.Context(), parents, children, orphans); err != nil {
				return err
			}
			d.printTable()
			if !serve {
				return nil
			}
			return d.serve(cmd.Context(), opts.MetricsListen)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Config, "config", "c", "kproc.toml", "Path to configuration file")
	flags.IntVar(&opts.PIDMin, config.FlagName("PIDMin"), opts.PIDMin, "Lowest pid handed out")
	flags.IntVar(&opts.PIDMax, config.FlagName("PIDMax"), opts.PIDMax, "Highest valid pid")
	flags.IntVar(&opts.OpenMax, config.FlagName("OpenMax"), opts.OpenMax, "Descriptor slots per process")
	flags.StringVar(&opts.LogLevel, config.FlagName("LogLevel"), opts.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.LogFormat, config.FlagName("LogFormat"), opts.LogFormat, "Log format (text, json)")
	flags.StringVar(&opts.MetricsListen, config.FlagName("MetricsListen"), opts.MetricsListen, "Address for --serve")
	flags.IntVarP(&parents, "parents", "p", 3, "Parentless processes to boot")
	flags.IntVarP(&children, "children", "n", 4, "Children each process forks")
	flags.BoolVar(&orphans, "orphans", false, "Also leave an orphan behind in every tree")
	flags.BoolVar(&serve, "serve", false, "Serve /metrics and /procs after the run")

	return cmd
}

type demo struct {
	kernel  *process.Kernel
	machine *machine.Machine
	runner  *thread.Runner
	heap    *kheap.Arena
	root    *vfs.Node

	// mu serializes output from concurrently running programs.
	mu  sync.Mutex
	out io.Writer
}

func newDemo(cfg process.Config, out io.Writer) (*demo, error) {
	heap := kheap.NewArena()
	runner := thread.NewRunner()
	m := machine.New(heap)
	k, err := process.NewKernel(cfg, process.Deps{Scheduler: runner, User: m, Heap: heap})
	if err != nil {
		return nil, err
	}
	m.Attach(k)

	return &demo{
		kernel:  k,
		machine: m,
		runner:  runner,
		heap:    heap,
		root:    vfs.NewNode("/"),
		out:     out,
	}, nil
}

// run boots parents processes at once and waits for all of them.
func (d *demo) run(ctx context.Context, parents, children int, orphans bool) error {
	d.load(children)
	entry := uint32(treeEntry)
	if orphans {
		entry = orphanTreeEntry
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < parents; i++ {
		name := fmt.Sprintf("tree%d", i)
		g.Go(func() error {
			p, err := d.machine.Boot(name, entry, d.root)
			if err != nil {
				return err
			}
			return d.await(ctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.runner.Wait()
	return nil
}

func (d *demo) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

func (d *demo) await(ctx context.Context, p *process.Process) error {
	done := make(chan error, 1)
	go func() {
		status, err := d.kernel.Await(p)
		if err == nil && status.ExitStatus() != 0 {
			err = fmt.Errorf("%s exited with %d", p.Name(), status.ExitStatus())
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *demo) serve(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(d.kernel, d.heap),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log := logging.GetLogger("demo")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("serving", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
