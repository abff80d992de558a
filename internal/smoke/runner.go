package smoke

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/LynnColeArt/gudart"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Policy decides what a failed check means for the rest of the run
type Policy int

const (
	// FailFast stops at the first failure, later checks are not run
	FailFast Policy = iota
	// CollectAll runs every check and reports every failure
	CollectAll
)

// Opener creates the runtime context checks run against
type Opener func() (*gudart.Context, error)

// Options configure a Runner
type Options struct {
	Policy   Policy
	Parallel bool     // Run checks concurrently, each with its own context
	Only     []string // Run only the named checks, in run order
	Checks   []Check  // Check table, the eight checks of Checks when nil
	Device   int      // Device ordinal the checks select
	Verbose  bool
}

// Runner sequences the checks and applies the failure policy
type Runner struct {
	open   Opener
	out    io.Writer
	opts   Options
	checks []Check
}

// NewRunner validates the options and selects the checks to run
func NewRunner(open Opener, out io.Writer, opts Options) (*Runner, error) {
	all := opts.Checks
	if all == nil {
		all = Checks()
	}
	checks, err := selectChecks(all, opts.Only)
	if err != nil {
		return nil, err
	}
	return &Runner{
		open:   open,
		out:    out,
		opts:   opts,
		checks: checks,
	}, nil
}

func selectChecks(all []Check, only []string) ([]Check, error) {
	if len(only) == 0 {
		return all, nil
	}
	wanted := map[string]bool{}
	for _, name := range only {
		wanted[name] = true
	}
	selected := make([]Check, 0, len(only))
	for _, c := range all {
		if wanted[c.Name] {
			selected = append(selected, c)
			delete(wanted, c.Name)
		}
	}
	for name := range wanted {
		known := make([]string, 0, len(all))
		for _, c := range all {
			known = append(known, c.Name)
		}
		return nil, kv.NewError("unknown check").With("check", name, "known", known)
	}
	return selected, nil
}

// Run executes the selected checks and writes their output followed by a
// summary. The returned results are in run order. The error is non-nil when
// the runtime could not be opened.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	var (
		results []Result
		err     error
	)
	if r.opts.Parallel {
		results, err = r.runParallel(ctx)
	} else {
		results, err = r.runSequential(ctx)
	}
	if err != nil {
		return nil, err
	}
	NewReporter(r.out, r.opts.Verbose).Summary(results)
	return results, nil
}

func (r *Runner) runSequential(ctx context.Context) ([]Result, error) {
	rt, err := r.open()
	if err != nil {
		return nil, kv.Wrap(err, "runtime unavailable").With("stack", stack.Trace().TrimRuntime())
	}
	defer func() {
		if err := rt.Destroy(); err != nil {
			klog.Warningf("smoke: destroy runtime: %v", err)
		}
	}()

	results := make([]Result, len(r.checks))
	stopped := false
	for i, c := range r.checks {
		results[i].Check = c.Name
		if stopped || ctx.Err() != nil {
			results[i].Outcome = NotRun
			continue
		}
		results[i] = r.runCheck(rt, c, r.out)
		if results[i].Outcome == Failed && r.opts.Policy == FailFast {
			stopped = true
		}
	}
	return results, nil
}

// runParallel gives every check its own runtime context so that a global
// capture in one check cannot invalidate another. Output is buffered per
// check and written in run order once all checks are done.
func (r *Runner) runParallel(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(r.checks))
	outputs := make([]bytes.Buffer, len(r.checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.checks {
		results[i] = Result{Check: c.Name, Outcome: NotRun}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rt, err := r.open()
			if err != nil {
				return kv.Wrap(err, "runtime unavailable").With("check", c.Name)
			}
			defer func() {
				if err := rt.Destroy(); err != nil {
					klog.Warningf("smoke: %s: destroy runtime: %v", c.Name, err)
				}
			}()
			results[i] = r.runCheck(rt, c, &outputs[i])
			if results[i].Outcome == Failed && r.opts.Policy == FailFast {
				return results[i].Err
			}
			return nil
		})
	}

	err := g.Wait()
	for i := range outputs {
		if _, werr := outputs[i].WriteTo(r.out); werr != nil {
			klog.Warningf("smoke: write output of %s: %v", r.checks[i].Name, werr)
		}
	}
	var f *Failure
	if err != nil && !errors.As(err, &f) {
		return nil, err
	}
	return results, nil
}

// runCheck runs one check and releases whatever it still holds when it fails
func (r *Runner) runCheck(rt *gudart.Context, c Check, out io.Writer) Result {
	e := newEnv(rt, c.Name, r.opts.Device, NewReporter(out, r.opts.Verbose))
	klog.V(1).Infof("smoke: running %s", c.Name)

	start := time.Now()
	err := c.Run(e)
	res := Result{Check: c.Name, Outcome: Passed, Err: err, Elapsed: time.Since(start)}
	if err != nil {
		res.Outcome = Failed
		if held := e.held.pending(); len(held) > 0 {
			klog.V(1).Infof("smoke: %s failed holding %v", c.Name, held)
		}
		if cerr := e.held.releaseAll(); cerr != nil {
			klog.Warningf("smoke: %v", cerr)
		}
	}
	klog.V(1).Infof("smoke: %s %s in %s", c.Name, res.Outcome, res.Elapsed)
	return res
}

// Failures returns the failures of a run in run order
func Failures(results []Result) []*Failure {
	var failures []*Failure
	for _, res := range results {
		if res.Outcome != Failed {
			continue
		}
		var f *Failure
		if errors.As(res.Err, &f) {
			failures = append(failures, f)
		}
	}
	return failures
}
