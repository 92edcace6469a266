// Package dicomseries loads a directory of single-frame CT DICOM files as one
// volume in Hounsfield units.
package dicomseries

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"qctmask/internal/models"
)

// errNoPixels marks a file that parsed but carries no image, e.g. a DICOMDIR
var errNoPixels = errors.New("no pixel data")

// Slice is one decoded image of a series
type Slice struct {
	Path string

	// Position is ImagePositionPatient; HasPosition is false when absent
	Position    r3.Vec
	HasPosition bool

	// PixelSpacing is the (row, column) spacing in mm
	PixelSpacing [2]float64
	Thickness    float64

	Slope     float64
	Intercept float64

	Rows, Cols int

	// Pixels holds the stored values in row-major order
	Pixels []int
}

// Loader reads DICOM directories
type Loader struct {
	// Workers bounds the number of files decoded concurrently
	Workers int

	Log zerolog.Logger
}

// Load reads every regular file of dir, decodes the images and assembles them
// into a volume. Files without pixel data are skipped.
func (l *Loader) Load(dir string) (*models.Volume, error) {
	if l.Workers < 1 {
		return nil, fmt.Errorf("must have at least one worker, asked for %d: %w", l.Workers, models.ErrInvalidParameter)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("input directory %q does not exist: %w", dir, models.ErrInvalidInput)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %q: %v: %w", dir, err, models.ErrIOFailure)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	l.Log.Info().Str("dir", dir).Int("files", len(paths)).Msg("reading DICOM series")

	decoded := make([]*Slice, len(paths))
	var g errgroup.Group
	g.SetLimit(l.Workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			s, err := ReadSlice(path)
			if errors.Is(err, errNoPixels) {
				l.Log.Debug().Str("path", path).Msg("skipping file without pixel data")
				return nil
			}
			if err != nil {
				return err
			}
			decoded[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices := make([]*Slice, 0, len(decoded))
	for _, s := range decoded {
		if s != nil {
			slices = append(slices, s)
		}
	}
	vol, err := Assemble(slices)
	if err != nil {
		return nil, err
	}
	l.Log.Info().
		Ints("dimensions", vol.Dims[:]).
		Floats64("spacing", []float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}).
		Msg("assembled DICOM series")
	return vol, nil
}

// ReadSlice parses one DICOM file
func ReadSlice(path string) (*Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %v: %w", path, err, models.ErrIOFailure)
	}

	pixels, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, errNoPixels
	}

	s := &Slice{Path: path, Slope: 1}
	if s.Rows, err = intTag(&ds, tag.Rows); err != nil {
		return nil, fmt.Errorf("%q: %v: %w", path, err, models.ErrInvalidInput)
	}
	if s.Cols, err = intTag(&ds, tag.Columns); err != nil {
		return nil, fmt.Errorf("%q: %v: %w", path, err, models.ErrInvalidInput)
	}

	if v, err := decimalTag(&ds, tag.PixelSpacing); err == nil && len(v) == 2 {
		s.PixelSpacing = [2]float64{v[0], v[1]}
	} else {
		s.PixelSpacing = [2]float64{1, 1}
	}
	if v, err := decimalTag(&ds, tag.ImagePositionPatient); err == nil && len(v) == 3 {
		s.Position = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		s.HasPosition = true
	}
	if v, err := decimalTag(&ds, tag.SliceThickness); err == nil && len(v) == 1 {
		s.Thickness = v[0]
	}
	if v, err := decimalTag(&ds, tag.RescaleSlope); err == nil && len(v) == 1 {
		s.Slope = v[0]
	}
	if v, err := decimalTag(&ds, tag.RescaleIntercept); err == nil && len(v) == 1 {
		s.Intercept = v[0]
	}

	info, err := pixelDataOf(pixels.Value)
	if err != nil {
		return nil, fmt.Errorf("%q: %v: %w", path, err, models.ErrInvalidInput)
	}
	if len(info.Frames) == 0 {
		return nil, errNoPixels
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, fmt.Errorf("%q: encapsulated pixel data is not supported: %w", path, models.ErrInvalidInput)
	}
	if len(native.Data) != s.Rows*s.Cols {
		return nil, fmt.Errorf("%q: %d pixels for a %dx%d image: %w",
			path, len(native.Data), s.Rows, s.Cols, models.ErrInvalidInput)
	}
	s.Pixels = make([]int, len(native.Data))
	for i, sample := range native.Data {
		if len(sample) == 0 {
			return nil, fmt.Errorf("%q: empty pixel sample: %w", path, models.ErrInvalidInput)
		}
		s.Pixels[i] = sample[0]
	}
	return s, nil
}

func intTag(ds *dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	v, err := intsOf(elem.Value)
	if err != nil {
		return 0, fmt.Errorf("tag %v: %v", t, err)
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("tag %v is empty", t)
	}
	return v[0], nil
}

// decimalTag reads a DS (decimal string) element
func decimalTag(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	v, err := stringsOf(elem.Value)
	if err != nil {
		return nil, fmt.Errorf("tag %v: %v", t, err)
	}
	return ParseDecimals(v)
}

// intsOf, stringsOf and pixelDataOf unwrap element values and report an
// unexpected value type as an error

func intsOf(v dicom.Value) ([]int, error) {
	if v == nil {
		return nil, errors.New("missing value")
	}
	ints, ok := v.GetValue().([]int)
	if !ok {
		return nil, fmt.Errorf("expected integers, got %T", v.GetValue())
	}
	return ints, nil
}

func stringsOf(v dicom.Value) ([]string, error) {
	if v == nil {
		return nil, errors.New("missing value")
	}
	strs, ok := v.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("expected strings, got %T", v.GetValue())
	}
	return strs, nil
}

func pixelDataOf(v dicom.Value) (dicom.PixelDataInfo, error) {
	if v == nil {
		return dicom.PixelDataInfo{}, errors.New("missing pixel data value")
	}
	info, ok := v.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return dicom.PixelDataInfo{}, fmt.Errorf("expected pixel data, got %T", v.GetValue())
	}
	return info, nil
}

// ParseDecimals parses DS values, which may hold several backslash separated
// numbers per string
func ParseDecimals(values []string) ([]float64, error) {
	var res []float64
	for _, v := range values {
		for _, part := range strings.Split(v, `\`) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, err
			}
			res = append(res, f)
		}
	}
	return res, nil
}

// SortSlices orders slices along the patient z axis. Slices without a
// position keep their file name order after the positioned ones.
func SortSlices(slices []*Slice) {
	sort.SliceStable(slices, func(i, j int) bool {
		a, b := slices[i], slices[j]
		if a.HasPosition != b.HasPosition {
			return a.HasPosition
		}
		if a.HasPosition && a.Position.Z != b.Position.Z {
			return a.Position.Z < b.Position.Z
		}
		return a.Path < b.Path
	})
}

// sliceSpacing is the distance between the first two slice positions, falling
// back to the slice thickness and then to 1 mm
func sliceSpacing(slices []*Slice) float64 {
	if len(slices) > 1 && slices[0].HasPosition && slices[1].HasPosition {
		if d := r3.Norm(r3.Sub(slices[1].Position, slices[0].Position)); d > 0 {
			return d
		}
	}
	if slices[0].Thickness > 0 {
		return slices[0].Thickness
	}
	return 1
}

func isWhole(f float64) bool {
	return f == math.Trunc(f)
}

// Assemble sorts slices and stacks them into a volume in Hounsfield units.
// The result is Int16 when every rescale maps integers to integers, and
// Float32 otherwise.
func Assemble(slices []*Slice) (*models.Volume, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM images found: %w", models.ErrInvalidInput)
	}
	SortSlices(slices)

	first := slices[0]
	kind := models.Int16
	for _, s := range slices {
		if s.Rows != first.Rows || s.Cols != first.Cols {
			return nil, fmt.Errorf("%q is %dx%d, expected %dx%d: %w",
				s.Path, s.Rows, s.Cols, first.Rows, first.Cols, models.ErrInvalidInput)
		}
		if !isWhole(s.Slope) || !isWhole(s.Intercept) {
			kind = models.Float32
		}
	}

	vol := models.NewVolume(first.Cols, first.Rows, len(slices), kind)
	// PixelSpacing is (row spacing, column spacing)
	vol.Spacing = r3.Vec{X: first.PixelSpacing[1], Y: first.PixelSpacing[0], Z: sliceSpacing(slices)}
	vol.Origin = first.Position

	plane := first.Rows * first.Cols
	lo, hi := kind.Bounds()
	for z, s := range slices {
		dst := vol.Data[z*plane : (z+1)*plane]
		for i, p := range s.Pixels {
			hu := float64(p)*s.Slope + s.Intercept
			dst[i] = math.Min(math.Max(hu, lo), hi)
		}
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	return vol, nil
}
