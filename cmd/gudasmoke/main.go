// Command gudasmoke runs the runtime smoke checks against a gudart context
// and exits non-zero when any of them fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/LynnColeArt/gudart"
	"github.com/LynnColeArt/gudart/internal/smoke"

	"github.com/dustin/go-humanize"
	"github.com/jjeffery/kv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	devicesOpt   = flag.Int("devices", 1, "number of simulated devices")
	deviceMemOpt = flag.String("device-mem", "1gib", "memory of each simulated device using SI, ICE units, for example 512mib, 2gib, 4gb")
	noPeerOpt    = flag.Bool("no-peer-access", false, "report devices as unable to access each other's memory")
	keepGoingOpt = flag.Bool("keep-going", false, "run every check and report every failure instead of stopping at the first one")
	parallelOpt  = flag.Bool("parallel", false, "run the checks concurrently, each against its own runtime context")
	onlyOpt      = flag.String("only", "", "comma separated list of the checks to run (default all)")
	deviceOpt    = flag.Int("device", 0, "ordinal of the device the checks select")
	verboseOpt   = flag.Bool("verbose", false, "dump the structures returned by the property queries")

	faultsOpt = faultList{}
)

func init() {
	flag.Var(&faultsOpt, "inject-fault", "make a runtime operation fail, as op=status where status is a name or number, for example Malloc=MemoryAllocation (repeatable)")
}

// faultList collects the repeated -inject-fault options
type faultList []string

func (f *faultList) String() string {
	return strings.Join(*f, ",")
}

func (f *faultList) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*f = append(*f, v)
		}
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      gudart runtime smoke test")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Checks, in run order:")
	fmt.Fprintln(os.Stderr, "")
	for _, name := range smoke.Names() {
		fmt.Fprintln(os.Stderr, "  "+name)
	}
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Only the command line is read, environment variables do not change a run.")
}

// parseFaults turns op=status pairs into runtime options
func parseFaults(faults []string) ([]gudart.Option, error) {
	opts := make([]gudart.Option, 0, len(faults))
	for _, fault := range faults {
		op, text, found := strings.Cut(fault, "=")
		if !found || op == "" {
			return nil, kv.NewError("fault must be op=status").With("fault", fault)
		}
		status, err := gudart.ParseStatus(text)
		if err != nil {
			return nil, kv.Wrap(err, "bad fault").With("fault", fault)
		}
		opts = append(opts, gudart.WithFault(op, status))
	}
	return opts, nil
}

// runtimeOptions validates the command line and builds the context options
func runtimeOptions() ([]gudart.Option, error) {
	if *devicesOpt < 1 {
		return nil, errors.Errorf("the devices option must be at least 1, got %d", *devicesOpt)
	}
	mem, err := humanize.ParseBytes(*deviceMemOpt)
	if err != nil {
		return nil, errors.Wrap(err, "the device-mem option")
	}
	opts := []gudart.Option{
		gudart.WithDevices(*devicesOpt),
		gudart.WithDeviceMemory(mem),
		gudart.WithPeerAccess(!*noPeerOpt),
	}
	faults, err := parseFaults(faultsOpt)
	if err != nil {
		return nil, err
	}
	return append(opts, faults...), nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	code := run(os.Stdout, os.Stderr)
	klog.Flush()
	os.Exit(code)
}

// run executes the checks selected by the command line and returns the exit
// status: 0 when every check passed, 1 on a failure and 2 on bad options.
func run(stdout, stderr io.Writer) int {
	version, _ := gudart.Version()
	if version == "" {
		version = "(devel)"
	}
	fmt.Fprintf(stdout, "%s gudart %s\n", path.Base(os.Args[0]), version)

	rtOpts, err := runtimeOptions()
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	opts := smoke.Options{
		Parallel: *parallelOpt,
		Only:     splitList(*onlyOpt),
		Device:   *deviceOpt,
		Verbose:  *verboseOpt,
	}
	if *keepGoingOpt {
		opts.Policy = smoke.CollectAll
	}

	runner, err := smoke.NewRunner(func() (*gudart.Context, error) {
		return gudart.NewContext(rtOpts...)
	}, stdout, opts)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	// CTRL-C stops the run between checks
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	failed := false
	for _, res := range results {
		if res.Outcome != smoke.Failed {
			continue
		}
		failed = true
		var f *smoke.Failure
		if errors.As(res.Err, &f) {
			fmt.Fprintln(stderr, f.Diagnostic())
			continue
		}
		fmt.Fprintf(stderr, "%s: %v\n", res.Check, res.Err)
	}
	if failed {
		return 1
	}
	return 0
}
