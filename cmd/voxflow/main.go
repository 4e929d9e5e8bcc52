// Command-line interface to voxflow: serves the HTTP API or computes rag features of
// local images.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/command"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/operators"
	"github.com/janelia-flyem/voxflow/rag"
	"github.com/janelia-flyem/voxflow/server"
	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

// version is replaced at link time with -ldflags "-X main.version=...".
var version = "0.1.0"

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Address for http communication, overriding the configuration.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
voxflow computes and caches chunked 5D arrays, label arrays and region adjacency features

Usage: voxflow [options] <command>

      -http       =string   Address for HTTP communication.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	serve    [config=<toml file>]
	features labels=<image> values=<image> [names=edge_mean,sp_count] [min=<v> max=<v>] [output=<arrow file>]
	version
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if *runVerbose {
		voxflow.Verbose = true
		voxflow.SetLogMode(voxflow.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := command.Command{Args: flag.Args()}
	if err := DoCommand(ctx, cmd); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, cmd command.Command) error {
	switch cmd.Name() {
	case "serve":
		return DoServe(ctx, cmd)
	case "features":
		return DoFeatures(ctx, cmd)
	case "version":
		fmt.Printf("voxflow %s\nStorage engines: %s\n", version, storage.EnginesAvailable())
		return nil
	}
	return fmt.Errorf("unknown command %q, try -help", cmd.Name())
}

// DoServe runs the HTTP API until interrupted.
func DoServe(ctx context.Context, cmd command.Command) error {
	cfg := server.DefaultConfig()
	if filename, found := cmd.GetSetting(command.KeyConfig); found {
		var err error
		if cfg, err = server.LoadConfig(filename); err != nil {
			return err
		}
	}
	cfg.Logging.SetLogger()
	if *httpAddress != "" {
		cfg.Server.HTTPAddress = *httpAddress
	}
	service := server.NewService(cfg)
	defer service.Close()

	errc := make(chan error, 1)
	go func() { errc <- service.Serve() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		voxflow.Infof("Stop signal captured.  Shutting down...\n")
		return nil
	}
}

// DoFeatures computes rag features of a superpixel image over a value image and writes
// them as JSON to stdout or as an arrow IPC stream to a file.
func DoFeatures(ctx context.Context, cmd command.Command) error {
	labelsFile, found := cmd.GetSetting(command.KeyLabels)
	if !found {
		return fmt.Errorf("features command needs labels=<image>")
	}
	valuesFile, found := cmd.GetSetting(command.KeyValues)
	if !found {
		return fmt.Errorf("features command needs values=<image>")
	}
	names := cmd.GetList(command.KeyNames)
	if len(names) == 0 {
		names = server.DefaultConfig().Rag.Features
	}

	labels, err := array5d.OpenImage(labelsFile)
	if err != nil {
		return err
	}
	values, err := array5d.OpenImage(valuesFile)
	if err != nil {
		return err
	}

	g := graph.NewGraph()
	defer g.Close()
	op := operators.NewOpRagFeatures(g, nil)
	if err := op.Superpixels.SetValue(labels); err != nil {
		return err
	}
	if err := op.Values.SetValue(values); err != nil {
		return err
	}
	lo, hasMin, err := cmd.GetFloat(command.KeyRangeMin)
	if err != nil {
		return err
	}
	hi, hasMax, err := cmd.GetFloat(command.KeyRangeMax)
	if err != nil {
		return err
	}
	if hasMin != hasMax {
		return fmt.Errorf("histogram range needs both min and max")
	}
	if hasMin {
		if err := op.HistogramRange.SetValue(rag.Range{Min: lo, Max: hi}); err != nil {
			return err
		}
	}
	if err := op.FeatureNames.SetValue(names); err != nil {
		return err
	}
	if err := op.SetupError(); err != nil {
		return err
	}

	timedLog := voxflow.NewTimeLog()
	v, err := op.Features.Value(ctx)
	if err != nil {
		return err
	}
	table := v.(*rag.FeatureTable)
	timedLog.Infof("Computed %d features for %d edges", len(names), table.NumRows())

	if output, found := cmd.GetSetting(command.KeyOutput); found {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		if err := table.WriteArrowIPC(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(table)
}
