package main

import (
	"fmt"
	"os"
	"path/filepath"

	"qctmask/internal/models"
	"qctmask/pkg/config"
	"qctmask/pkg/dicomseries"
	"qctmask/pkg/extract"
	"qctmask/pkg/interpolation"
	"qctmask/pkg/metrics"
	"qctmask/pkg/pipeline"
	"qctmask/pkg/threshold"
	"qctmask/pkg/visualization"
)

func runBone(c *cli, args []string) error {
	fs, o := c.flagSet("bone")
	defaults := config.DefaultConfig()
	thresh := fs.Float64("threshold", defaults.Bone.Threshold, "Lowest intensity counted as bone")
	radius := fs.Int("radius", defaults.Bone.KernelRadius, "Dilation kernel radius in voxels")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	set := visited(fs)
	if set["threshold"] {
		e.cfg.Bone.Threshold = *thresh
	}
	if set["radius"] {
		e.cfg.Bone.KernelRadius = *radius
	}

	recipe, err := pipeline.BoneMask(pipeline.BoneParams{
		Threshold: e.cfg.Bone.Threshold,
		Kernel:    models.CubeKernel(e.cfg.Bone.KernelRadius),
		Workers:   e.cfg.Processing.Workers,
	})
	if err != nil {
		return err
	}
	return e.runner.Run("bone", recipe, pos[0], pos[1])
}

func runBody(c *cli, args []string) error {
	fs, o := c.flagSet("body")
	var lower, upper optionalFloat
	fs.Var(&lower, "lower", "Lower threshold; with only -lower, values at or below it are body")
	fs.Var(&upper, "upper", "Upper threshold; with only -upper, values at or above it are body (default from configuration, -200)")
	keep := fs.Bool("keep-largest", false, "Keep only the largest connected body region")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	set := visited(fs)
	if set["lower"] || set["upper"] {
		e.cfg.Body.Lower, e.cfg.Body.Upper = lower.v, upper.v
	}
	if set["keep-largest"] {
		e.cfg.Body.KeepLargest = *keep
	}

	recipe, err := pipeline.BodyMask(pipeline.BodyParams{
		Lower:       e.cfg.Body.Lower,
		Upper:       e.cfg.Body.Upper,
		KeepLargest: e.cfg.Body.KeepLargest,
	})
	if err != nil {
		return err
	}
	return e.runner.Run("body", recipe, pos[0], pos[1])
}

func runHand(c *cli, args []string) error {
	fs, o := c.flagSet("hand")
	radius := fs.Int("radius", config.DefaultConfig().Hand.KernelRadius, "Closing kernel radius in voxels")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	if visited(fs)["radius"] {
		e.cfg.Hand.KernelRadius = *radius
	}

	recipe, err := pipeline.HandMaskSmoothing(pipeline.HandParams{
		Kernel:  models.CubeKernel(e.cfg.Hand.KernelRadius),
		Workers: e.cfg.Processing.Workers,
	})
	if err != nil {
		return err
	}
	return e.runner.Run("hand", recipe, pos[0], pos[1])
}

func runToShort(c *cli, args []string) error {
	fs, o := c.flagSet("toshort")
	kindName := fs.String("kind", "int16", "Output kind: int8, int16, int32, uint8 or uint16")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	kind, err := models.ParseScalarKind(*kindName)
	if err != nil {
		return err
	}
	recipe, err := pipeline.BoundedIntegerConversion(kind)
	if err != nil {
		return err
	}
	return e.runner.Run("toshort", recipe, pos[0], pos[1])
}

func runThreshold(c *cli, args []string) error {
	fs, o := c.flagSet("threshold")
	defaults := config.DefaultConfig()
	var lower, upper optionalFloat
	fs.Var(&lower, "lower", "Lower threshold")
	fs.Var(&upper, "upper", "Upper threshold")
	in := fs.Float64("in", defaults.Threshold.InValue, "Value written inside the range")
	out := fs.Float64("out", defaults.Threshold.OutValue, "Value written outside the range")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	set := visited(fs)
	if set["in"] {
		e.cfg.Threshold.InValue = *in
	}
	if set["out"] {
		e.cfg.Threshold.OutValue = *out
	}

	recipe, err := pipeline.Threshold(threshold.Params{
		Lower:    lower.v,
		Upper:    upper.v,
		InValue:  e.cfg.Threshold.InValue,
		OutValue: e.cfg.Threshold.OutValue,
	})
	if err != nil {
		return err
	}
	return e.runner.Run("threshold", recipe, pos[0], pos[1])
}

func runSubget(c *cli, args []string) error {
	fs, o := c.flagSet("subget")
	lower := triple{0, 0, 0}
	upper := triple{-1, -1, -1}
	sample := triple{1, 1, 1}
	fs.Var(&lower, "lower", "Lower index bound on x,y,z")
	fs.Var(&upper, "upper", "Upper index bound on x,y,z; negative selects the last index")
	fs.Var(&sample, "sample", "Sample rate on x,y,z")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}

	p := extract.SubgetParams{Rates: sample}
	for axis := range p.Ranges {
		p.Ranges[axis] = extract.Range{Lower: lower[axis], Upper: upper[axis]}
	}
	if err := p.Validate(); err != nil {
		return err
	}

	recipe := func(vol *models.Volume, trace pipeline.Tracer) (*models.Volume, error) {
		lo, hi := p.Bounds(vol.Dims)
		e.log.Info().Ints("lower", lo[:]).Ints("upper", hi[:]).Msg("using bounds")
		out, err := extract.Subget(vol, p)
		if err != nil {
			return nil, err
		}
		e.log.Info().Ints("dimensions", out.Dims[:]).Msg("extracted volume of interest")
		return out, nil
	}
	return e.runner.Run("subget", recipe, pos[0], pos[1])
}

func runSplit(c *cli, args []string) error {
	fs, o := c.flagSet("split")
	fraction := fs.Float64("fraction", 0.5, "Position of the cut as a fraction of the x extent, in [0,1]")

	e, pos, err := c.parse(fs, o, args, 3, 3)
	if err != nil {
		return err
	}
	in, leftPath, rightPath := pos[0], pos[1], pos[2]
	if *fraction < 0 || *fraction > 1 {
		return fmt.Errorf("split fraction %g is not in [0,1]: %w", *fraction, models.ErrInvalidParameter)
	}
	if err := e.runner.Check([]string{in}, []string{leftPath, rightPath}); err != nil {
		return err
	}

	vol, err := e.runner.Load(in)
	if err != nil {
		return err
	}
	right, left, err := extract.Split(vol, *fraction)
	if err != nil {
		return err
	}
	e.log.Info().
		Int("cut", extract.CutPoint(vol.Dims[0], *fraction)).
		Ints("right", right.Dims[:]).
		Ints("left", left.Dims[:]).
		Msg("split volume")

	return e.runner.SaveAll([]*models.Volume{right, left}, []string{rightPath, leftPath})
}

func runResample(c *cli, args []string) error {
	fs, o := c.flagSet("resample")
	spacing := fs.Float64("spacing", 0, "Output voxel size in mm (default the smallest input spacing)")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	in, out := pos[0], pos[1]

	info, statErr := os.Stat(in)
	fromDICOM := statErr == nil && info.IsDir()
	if !fromDICOM {
		if err := pipeline.CheckInput(in); err != nil {
			return err
		}
	}
	if err := e.runner.CheckOutput(out); err != nil {
		return err
	}

	var vol *models.Volume
	if fromDICOM {
		loader := &dicomseries.Loader{Workers: e.cfg.Processing.Workers, Log: e.log}
		vol, err = loader.Load(in)
	} else {
		vol, err = e.runner.Load(in)
	}
	if err != nil {
		return err
	}

	r := interpolation.NewResampler(*spacing, e.cfg.Processing.Workers)
	r.SetProgressCallback(func(completed, total int) {
		e.log.Debug().Int("completed", completed).Int("total", total).Msg("resampling slices")
	})
	res, err := r.Resample(vol)
	if err != nil {
		return err
	}
	e.log.Info().
		Ints("input", vol.Dims[:]).
		Ints("output", res.Dims[:]).
		Float64("spacing", res.Spacing.X).
		Msg("resampled")
	return e.runner.Save(res, out)
}

func runMetrics(c *cli, args []string) error {
	fs, o := c.flagSet("metrics")
	output := fs.String("o", "", "Output file to append to (default standard output)")
	delim := fs.String("delimiter", config.DefaultConfig().Metrics.Delimiter, "Field delimiter")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	if visited(fs)["delimiter"] {
		e.cfg.Metrics.Delimiter = *delim
	}
	if err := e.runner.Check(pos, nil); err != nil {
		return err
	}

	source, err := e.runner.Load(pos[0])
	if err != nil {
		return err
	}
	target, err := e.runner.Load(pos[1])
	if err != nil {
		return err
	}

	e.log.Info().Int("workers", e.cfg.Processing.Workers).Msg("computing overlap measures")
	overlap, err := metrics.CompareOverlap(source, target, e.cfg.Processing.Workers)
	if err != nil {
		return err
	}
	e.log.Info().Float64("average_hausdorff", overlap.AverageHausdorffDistance).Msg("computed overlap measures")

	row := metrics.Row{Source: pos[0], Target: pos[1], Overlap: overlap}
	return metrics.Append(*output, c.stdout, e.cfg.Metrics.Delimiter, row)
}

func runPreview(c *cli, args []string) error {
	fs, o := c.flagSet("preview")
	axis := fs.String("axis", "all", "Slice axis: x, y, z or all")
	step := fs.Int("step", 1, "Keep every step-th slice")
	var windowLo, windowHi optionalFloat
	fs.Var(&windowLo, "window-lo", "Intensity shown as black (default the volume minimum)")
	fs.Var(&windowHi, "window-hi", "Intensity shown as white (default the volume maximum)")

	e, pos, err := c.parse(fs, o, args, 2, 2)
	if err != nil {
		return err
	}
	if err := pipeline.CheckInput(pos[0]); err != nil {
		return err
	}
	vol, err := e.runner.Load(pos[0])
	if err != nil {
		return err
	}

	viewer, err := visualization.NewViewer(vol)
	if err != nil {
		return err
	}
	if windowLo.v != nil || windowHi.v != nil {
		lo, hi := viewer.Window()
		if windowLo.v != nil {
			lo = *windowLo.v
		}
		if windowHi.v != nil {
			hi = *windowHi.v
		}
		if err := viewer.SetWindow(lo, hi); err != nil {
			return err
		}
	}

	axes := []string{*axis}
	dirs := []string{pos[1]}
	if *axis == "all" {
		axes = []string{"x", "y", "z"}
		dirs = []string{filepath.Join(pos[1], "x"), filepath.Join(pos[1], "y"), filepath.Join(pos[1], "z")}
	}
	for i, a := range axes {
		n, err := viewer.SaveSliceSequence(a, dirs[i], *step)
		if err != nil {
			return err
		}
		e.log.Info().Str("axis", a).Int("slices", n).Str("dir", dirs[i]).Msg("saved slices")
	}
	return nil
}

func runInitConfig(c *cli, args []string) error {
	fs, o := c.flagSet("init-config")
	e, pos, err := c.parse(fs, o, args, 0, 1)
	if err != nil {
		return err
	}
	path := config.DefaultPath
	if len(pos) == 1 {
		path = pos[0]
	}

	if _, err := os.Stat(path); err == nil {
		ok, err := e.policy.Overwrite(path)
		if err != nil || !ok {
			return fmt.Errorf("will not overwrite %q: %w", path, models.ErrOverwriteDenied)
		}
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrIOFailure)
	}
	e.log.Info().Str("path", path).Msg("wrote default configuration")
	return nil
}
