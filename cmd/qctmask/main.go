// Command qctmask prepares QCT scans for registration: it derives bone, body
// and hand masks, converts and cuts volumes, and compares segmentations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"qctmask/pkg/config"
	"qctmask/pkg/confirm"
	"qctmask/pkg/logging"
	"qctmask/pkg/pipeline"
)

// command is one subcommand of the tool
type command struct {
	usage string
	run   func(c *cli, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"bone":        {"<input.nii> <output.nii>  dilated, hole-filled mask of the largest bone", runBone},
		"body":        {"<input.nii> <output.nii>  whole body mask by thresholding", runBody},
		"hand":        {"<input.nii> <output.nii>  smooth and fill a hand segmentation", runHand},
		"toshort":     {"<input.nii> <output.nii>  keep the largest label 1 region and cast to a bounded integer kind", runToShort},
		"threshold":   {"<input.nii> <output.nii>  binary threshold with configurable labels", runThreshold},
		"subget":      {"<input.nii> <output.nii>  extract a sampled volume of interest", runSubget},
		"split":       {"<input.nii> <left.nii> <right.nii>  split left and right femurs", runSplit},
		"resample":    {"<dicom-dir|input.nii> <output.nii>  resample to isotropic voxels", runResample},
		"metrics":     {"<source.nii> <target.nii>  Hausdorff distance and overlap measures", runMetrics},
		"preview":     {"<input.nii> <output-dir>  export slices as 16-bit TIFF images", runPreview},
		"init-config": {"[path]  write a default configuration file", runInitConfig},
	}
}

// cli carries the process streams so that commands can be tested
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// env is what a subcommand needs after its flags are parsed
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	policy confirm.Policy
	runner *pipeline.Runner
}

func main() {
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(c.main(os.Args[1:]))
}

// main runs one subcommand and returns the process exit code
func (c *cli) main(args []string) int {
	if len(args) == 0 {
		c.usage()
		return 1
	}
	cmd, ok := commands[args[0]]
	if !ok {
		if args[0] == "-h" || args[0] == "-help" || args[0] == "help" {
			c.usage()
			return 0
		}
		fmt.Fprintf(c.stderr, "qctmask: unknown command %q\n", args[0])
		c.usage()
		return 1
	}

	if err := cmd.run(c, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(c.stderr, "qctmask %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, "Usage: qctmask <command> [options] <arguments>")
	fmt.Fprintln(c.stderr, "\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.stderr, "  %-12s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(c.stderr, "\nRun 'qctmask <command> -h' for the options of a command.")
}

// flagSet creates the flag set of a subcommand with the shared options
func (c *cli) flagSet(name string) (*flag.FlagSet, *options) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "Usage: qctmask %s %s\n\nOptions:\n", name, commands[name].usage)
		fs.PrintDefaults()
	}
	o := &options{}
	o.register(fs)
	return fs, o
}

// parse parses the flags of a subcommand, checks the number of positional
// arguments and builds its environment
func (c *cli) parse(fs *flag.FlagSet, o *options, args []string, minArgs, maxArgs int) (*env, []string, error) {
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return nil, nil, err
	}
	if len(positional) < minArgs || len(positional) > maxArgs {
		fs.Usage()
		if minArgs == maxArgs {
			return nil, nil, fmt.Errorf("expected %d arguments, got %d", minArgs, len(positional))
		}
		return nil, nil, fmt.Errorf("expected %d to %d arguments, got %d", minArgs, maxArgs, len(positional))
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	set := visited(fs)
	if set["workers"] {
		cfg.Processing.Workers = o.workers
	}
	if set["log-level"] {
		cfg.Processing.LogLevel = o.logLevel
	}
	if set["save-intermediate"] {
		cfg.Processing.SaveIntermediate = o.saveIntermediate
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	e := &env{
		cfg: cfg,
		log: logging.NewConsole(c.stderr, logging.ParseLevel(cfg.Processing.LogLevel)),
	}
	if o.force {
		e.policy = confirm.Always
	} else {
		e.policy = confirm.NewPrompt(c.stdin, c.stderr)
	}
	e.runner = pipeline.NewRunner(e.policy, e.log)
	if cfg.Processing.SaveIntermediate {
		e.runner.IntermediateDir = cfg.Processing.IntermediateDir
	}
	return e, positional, nil
}
