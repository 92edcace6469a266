package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// optionalFloat is a float flag that distinguishes "not given" from zero
type optionalFloat struct {
	v *float64
}

func (o *optionalFloat) String() string {
	if o == nil || o.v == nil {
		return ""
	}
	return strconv.FormatFloat(*o.v, 'g', -1, 64)
}

func (o *optionalFloat) Set(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	o.v = &f
	return nil
}

// triple is a flag holding one integer per axis, written "x,y,z"
type triple [3]int

func (t *triple) String() string {
	return fmt.Sprintf("%d,%d,%d", t[0], t[1], t[2])
}

func (t *triple) Set(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return fmt.Errorf("expected three comma separated integers, got %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		t[i] = n
	}
	return nil
}

// parseInterspersed parses args allowing flags before, between and after the
// positional arguments, and returns the positionals
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// visited returns the names of the flags given on the command line
func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// options are the flags shared by every subcommand
type options struct {
	force            bool
	configPath       string
	workers          int
	logLevel         string
	saveIntermediate bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.BoolVar(&o.force, "force", false, "Overwrite existing output files without asking")
	fs.StringVar(&o.configPath, "config", "", "Configuration file (default $QCTMASK_CONFIG or qctmask.yaml)")
	fs.IntVar(&o.workers, "workers", 0, "Number of worker goroutines (default from configuration)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&o.saveIntermediate, "save-intermediate", false, "Save every stage output to the intermediate directory")
}
