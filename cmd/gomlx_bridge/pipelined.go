// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync/atomic"
	"time"

	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bridge/backends"
	"github.com/gomlx/bridge/encapsulate"
	"github.com/gomlx/bridge/types/buffers"
	"github.com/gomlx/bridge/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type pipelinedReport struct {
	workers, depth int
	executions     int64
	waits          int64
	elapsed        time.Duration
}

// runPipelined has numWorkers goroutines executing the sum of 2 vectors numCalls times in total, sharing
// depth sets of pre-allocated tensors.
func runPipelined(backend backends.Backend, metrics *encapsulate.Metrics, numWorkers, depth, numCalls, size int) (*pipelinedReport, error) {
	shape := shapes.Make(dtypes.Float32, size)
	artifact, err := translateSum([]shapes.Shape{shape, shape}, nil)
	if err != nil {
		return nil, err
	}
	exec, err := backend.Compile(artifact)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling pipelined executable")
	}
	defer backend.RemoveCompiled(exec)
	store, err := encapsulate.NewPipelinedTensorStore(backend, exec, []shapes.Shape{shape, shape}, depth)
	if err != nil {
		return nil, err
	}
	defer store.Finalize()
	store.SetMetrics(metrics, "gomlx_bridge_pipelined")

	report := &pipelinedReport{workers: numWorkers, depth: depth}
	var next, waits atomic.Int64
	start := time.Now()
	var g errgroup.Group
	for worker := range numWorkers {
		g.Go(func() error {
			in := buffers.New(shape)
			out := buffers.New(shape)
			flatIn := buffers.Flat[float32](in)
			for {
				call := next.Add(1) - 1
				if call >= int64(numCalls) {
					return nil
				}
				value := float32(call % 1000)
				for ii := range flatIn {
					flatIn[ii] = value
				}
				set, ok := store.Get()
				if !ok {
					waits.Add(1)
					set = store.Wait()
				}
				err := executePipelined(store, set, in, out)
				if returnErr := store.Return(set.Index); err == nil {
					err = returnErr
				}
				if err != nil {
					return errors.WithMessagef(err, "worker #%d, call #%d", worker, call)
				}
				if got := buffers.Flat[float32](out)[0]; got != 2*value {
					return errors.Errorf("worker #%d, call #%d: got %g, wanted %g", worker, call, got, 2*value)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.elapsed = time.Since(start)
	report.executions = min(next.Load(), int64(numCalls))
	report.waits = waits.Load()
	klog.V(1).Infof("pipelined: %d executions in %s", report.executions, report.elapsed)
	return report, nil
}

func executePipelined(store *encapsulate.PipelinedTensorStore, set encapsulate.PipelinedTensors, in, out *buffers.Buffer) error {
	for _, t := range set.Inputs {
		if err := t.Write(in.Bytes()); err != nil {
			return err
		}
	}
	if err := store.Execute(set); err != nil {
		return err
	}
	return set.Outputs[0].Read(out.Bytes())
}

func (r *pipelinedReport) table() *lgtable.Table {
	table := newPlainTable()
	table.Row("workers", humanize.Comma(int64(r.workers)))
	table.Row("tensor sets", humanize.Comma(int64(r.depth)))
	table.Row("executions", humanize.Comma(r.executions))
	table.Row("waits for a free set", humanize.Comma(r.waits))
	table.Row("total time", formatDuration(r.elapsed))
	if r.executions > 0 {
		table.Row("time per execution", formatDuration(r.elapsed/time.Duration(r.executions)))
	}
	return table
}
