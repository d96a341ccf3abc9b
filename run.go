package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dc0d/onexit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thiremani/cppjit/engine"
	"github.com/thiremani/cppjit/jit"
	"github.com/thiremani/cppjit/options"
	"github.com/thiremani/cppjit/source"
)

type runFlags struct {
	flags   []string
	entry   string
	id      string
	jobs    int
	metrics bool
}

// ErrCompileFailed is returned by the run command when any file failed.
var ErrCompileFailed = errors.New("compilation failed")

func newRunCommand(v *viper.Viper, logger func() (*zap.Logger, error)) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] file.cpp...",
		Short: "Compile each file and call its int() entry point",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger()
			if err != nil {
				return err
			}
			defer log.Sync()
			o, err := options.Load(v)
			if err != nil {
				return err
			}
			return run(cmd, o, log, rf, args)
		},
	}
	cmd.Flags().StringSliceVar(&rf.flags, "flag", nil, "extra frontend flag, may be repeated")
	cmd.Flags().StringVar(&rf.entry, "entry", "", "entry symbol (default: entry prefix followed by the id)")
	cmd.Flags().StringVar(&rf.id, "id", "", "request identifier (default: random); only with a single file")
	cmd.Flags().IntVarP(&rf.jobs, "jobs", "j", 1, "number of compiler contexts")
	cmd.Flags().BoolVar(&rf.metrics, "metrics", false, "print compile metrics after running")
	return cmd
}

func run(cmd *cobra.Command, o *options.Options, log *zap.Logger, rf runFlags, files []string) (err error) {
	if rf.id != "" && len(files) > 1 {
		return fmt.Errorf("--id can only be used with a single file")
	}

	session, err := engine.New(engine.WithLogger(log))
	if err != nil {
		return err
	}
	metrics := jit.NewMetrics()
	sources := source.NewMaterializer("", source.DefaultRetention)
	sources.Logger = log
	onexit.Register(func() { sources.Close() })
	defer func() {
		err = multierr.Append(err, sources.Close())
	}()

	jobs := min(max(rf.jobs, 1), len(files))
	pool, err := jit.NewPool(jobs, func(int) (*jit.Compiler, error) {
		return jit.New(o,
			jit.WithLogger(log),
			jit.WithInvoker(newInvoker()),
			jit.WithSession(session),
			jit.WithMetrics(metrics),
			jit.WithMaterializer(sources),
		)
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	pool.Start(ctx, 0)

	results := make([]chan jit.Result, len(files))
	for i, file := range files {
		results[i] = make(chan jit.Result, 1)
		text, rerr := os.ReadFile(file)
		if rerr != nil {
			results[i] <- jit.Result{Err: &jit.Error{Kind: jit.IOFailure, Op: "read", Err: rerr}}
			continue
		}
		req := jit.NewRequest(string(text), rf.flags...)
		if rf.id != "" {
			req.ID = rf.id
		}
		req.Entry = rf.entry
		ch := results[i]
		if serr := pool.Submit(ctx, req, func(r jit.Result) { ch <- r }); serr != nil {
			results[i] <- jit.Result{Request: req, Err: serr}
		}
	}

	failed := false
	for i, file := range files {
		r := <-results[i]
		name := filepath.Base(file)
		if r.Err != nil {
			failed = true
			var je *jit.Error
			if errors.As(r.Err, &je) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", name, je.Render())
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, r.Err)
			}
			continue
		}
		entry, berr := jit.Bind[func() int32](r.Handle)
		if berr != nil {
			failed = true
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, berr)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, entry())
	}
	err = pool.Close()

	if rf.metrics {
		err = multierr.Append(err, writeMetrics(cmd, metrics))
	}
	if failed {
		err = multierr.Append(err, ErrCompileFailed)
	}
	return err
}

func writeMetrics(cmd *cobra.Command, m *jit.Metrics) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
			return err
		}
	}
	return nil
}
