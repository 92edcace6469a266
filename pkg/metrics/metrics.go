// Package metrics compares two segmentations: the Hausdorff distance between
// their foregrounds and the usual label overlap measures.
package metrics

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"

	"qctmask/internal/models"
)

// Overlap holds the comparison of a source segmentation against a target.
// Every non-zero voxel counts as foreground.
type Overlap struct {
	// HausdorffDistance is the largest distance, in physical units, from a
	// foreground voxel of either image to the closest foreground voxel of the
	// other
	HausdorffDistance float64

	// AverageHausdorffDistance is the mean of those closest distances over
	// the foreground voxels of both images
	AverageHausdorffDistance float64

	// FalseNegativeError is |T \ S| / |T|
	FalseNegativeError float64

	// FalsePositiveError is |S \ T| / |S|
	FalsePositiveError float64

	// VolumeSimilarity is 2 (|S| - |T|) / (|S| + |T|)
	VolumeSimilarity float64

	JaccardCoefficient float64
	DiceCoefficient    float64
	MeanOverlap        float64
	UnionOverlap       float64
}

// CompareOverlap compares source against target. Both volumes must share
// dimensions and spacing, and both must hold at least one foreground voxel.
func CompareOverlap(source, target *models.Volume, workers int) (Overlap, error) {
	var o Overlap
	if err := source.Validate(); err != nil {
		return o, err
	}
	if err := target.Validate(); err != nil {
		return o, err
	}
	if workers < 1 {
		return o, fmt.Errorf("must have at least one worker, asked for %d: %w", workers, models.ErrInvalidParameter)
	}
	if !source.SameGeometry(target) {
		return o, fmt.Errorf("cannot compare %v voxels of %v with %v voxels of %v: %w",
			source.Dims, source.Spacing, target.Dims, target.Spacing, models.ErrInvalidParameter)
	}

	var s, t, both float64
	for i := range source.Data {
		inS := source.Data[i] != 0
		inT := target.Data[i] != 0
		if inS {
			s++
		}
		if inT {
			t++
		}
		if inS && inT {
			both++
		}
	}
	if s == 0 || t == 0 {
		return o, fmt.Errorf("both images need a foreground (source %d, target %d voxels): %w",
			int(s), int(t), models.ErrInvalidInput)
	}

	union := s + t - both
	o.DiceCoefficient = 2 * both / (s + t)
	o.JaccardCoefficient = both / union
	o.MeanOverlap = o.DiceCoefficient
	o.UnionOverlap = o.JaccardCoefficient
	o.FalseNegativeError = (t - both) / t
	o.FalsePositiveError = (s - both) / s
	o.VolumeSimilarity = 2 * (s - t) / (s + t)

	a, b := foreground(source), foreground(target)
	ab, err := nearestDistances(a, b, workers)
	if err != nil {
		return o, err
	}
	ba, err := nearestDistances(b, a, workers)
	if err != nil {
		return o, err
	}
	all := append(ab, ba...)
	for _, d := range all {
		o.HausdorffDistance = math.Max(o.HausdorffDistance, d)
	}
	o.AverageHausdorffDistance = stat.Mean(all, nil)
	return o, nil
}

// foreground returns the physical positions of the non-zero voxels
func foreground(vol *models.Volume) points {
	var res points
	for idx, v := range vol.Data {
		if v == 0 {
			continue
		}
		x, y, z := vol.Coord(idx)
		res = append(res, point(vol.Position(x, y, z)))
	}
	return res
}

// nearestDistances returns, for every point of from, the distance to the
// closest point of to
func nearestDistances(from, to points, workers int) ([]float64, error) {
	tree := kdtree.New(append(points(nil), to...), false)
	dist := make([]float64, len(from))

	chunk := (len(from) + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < len(from); lo += chunk {
		lo := lo
		hi := min(lo+chunk, len(from))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				_, d2 := tree.Nearest(from[i])
				dist[i] = math.Sqrt(d2)
			}
			return nil
		})
	}
	return dist, g.Wait()
}

// columns of a metrics row, after the two file names
var columns = []string{
	"HausdorffDistance", "FalseNegativeError", "FalsePositiveError", "VolumeSimilarity",
	"JaccardCoefficient", "DiceCoefficient", "MeanOverlap", "UnionOverlap",
}

// Header returns the header line of a metrics table
func Header(delim string) string {
	return strings.Join(append([]string{"InputFile1", "InputFile2"}, columns...), delim) + "\n"
}

// Row is one line of a metrics table
type Row struct {
	Source string
	Target string
	Overlap
}

// Format renders the row with delim between fields
func (r Row) Format(delim string) string {
	values := []float64{
		r.HausdorffDistance, r.FalseNegativeError, r.FalsePositiveError, r.VolumeSimilarity,
		r.JaccardCoefficient, r.DiceCoefficient, r.MeanOverlap, r.UnionOverlap,
	}
	fields := []string{r.Source, r.Target}
	for _, v := range values {
		fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strings.Join(fields, delim) + "\n"
}

// Append writes row to path. A new file starts with the header line; an
// existing file only gets the row. An empty path writes the header and the row
// to stdout.
func Append(path string, stdout io.Writer, delim string, row Row) error {
	if path == "" {
		_, err := io.WriteString(stdout, Header(delim)+row.Format(delim))
		return err
	}

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q for appending: %v: %w", path, err, models.ErrIOFailure)
	}
	text := row.Format(delim)
	if fresh {
		text = Header(delim) + text
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write %q: %v: %w", path, err, models.ErrIOFailure)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %q: %v: %w", path, err, models.ErrIOFailure)
	}
	return nil
}
