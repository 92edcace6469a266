// Package nifti reads and writes single-file NIfTI-1 (.nii) volumes.
//
// Only the subset needed for 3D scalar masks is supported: dimensions,
// voxel spacing, origin (qform or sform offset), the integer and floating
// point data types of ScalarKind, and scl_slope/scl_inter scaling on read.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"qctmask/internal/models"
)

// Extension is the only file extension accepted by the tools
const Extension = ".nii"

const (
	headerSize = 348
	voxOffset  = 352
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
)

// header is the on-disk NIfTI-1 header layout
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

func datatypeOf(kind models.ScalarKind) (code, bitpix int16) {
	switch kind {
	case models.Uint8:
		return dtUint8, 8
	case models.Int8:
		return dtInt8, 8
	case models.Int16:
		return dtInt16, 16
	case models.Uint16:
		return dtUint16, 16
	case models.Int32:
		return dtInt32, 32
	case models.Float32:
		return dtFloat32, 32
	default:
		return dtFloat64, 64
	}
}

func kindOf(code int16) (models.ScalarKind, bool) {
	switch code {
	case dtUint8:
		return models.Uint8, true
	case dtInt8:
		return models.Int8, true
	case dtInt16:
		return models.Int16, true
	case dtUint16:
		return models.Uint16, true
	case dtInt32:
		return models.Int32, true
	case dtFloat32:
		return models.Float32, true
	case dtFloat64:
		return models.Float64, true
	}
	return 0, false
}

// HasExtension reports whether path ends in .nii, ignoring case
func HasExtension(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Extension)
}

// Read loads a volume from a .nii file
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, models.ErrIOFailure)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %v: %w", path, err, models.ErrIOFailure)
	}

	vol, err := decode(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vol, nil
}

// MaxVoxels bounds the volume a header may declare before any buffer is
// allocated
const MaxVoxels = 1 << 28

// Decode parses a NIfTI-1 stream
func Decode(r io.Reader) (*models.Volume, error) {
	return decode(r, -1)
}

// decode parses a stream of size bytes; a negative size means unknown
func decode(r io.Reader, size int64) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("short header: %v: %w", err, models.ErrIOFailure)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 header: %w", models.ErrIOFailure)
		}
		order = binary.BigEndian
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decode header: %v: %w", err, models.ErrIOFailure)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("magic %q is not a single-file NIfTI-1: %w", h.Magic[:3], models.ErrIOFailure)
	}

	rank := int(h.Dim[0])
	if rank < 1 || rank > 7 {
		return nil, fmt.Errorf("invalid rank %d: %w", rank, models.ErrIOFailure)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < rank; i++ {
		dims[i] = int(h.Dim[i+1])
	}
	for i := 3; i < rank; i++ {
		if h.Dim[i+1] > 1 {
			return nil, fmt.Errorf("%d-dimensional data is not a scalar volume: %w", rank, models.ErrIOFailure)
		}
	}

	kind, ok := kindOf(h.Datatype)
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d: %w", h.Datatype, models.ErrIOFailure)
	}

	vol := &models.Volume{
		Dims:    dims,
		Spacing: spacingOf(h),
		Origin:  originOf(h),
		Kind:    kind,
	}
	if err := vol.ValidateGeometry(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrIOFailure)
	}
	if vol.Len() > MaxVoxels {
		return nil, fmt.Errorf("dimensions %v exceed %d voxels: %w", dims, MaxVoxels, models.ErrIOFailure)
	}
	_, bitpix := datatypeOf(kind)
	if need := int64(h.VoxOffset) + int64(vol.Len())*int64(bitpix/8); size >= 0 && size < need {
		return nil, fmt.Errorf("file holds %d bytes, dimensions %v need %d: %w", size, dims, need, models.ErrIOFailure)
	}

	// skip extensions up to the payload
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("vox_offset %g inside header: %w", h.VoxOffset, models.ErrIOFailure)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("seek payload: %v: %w", err, models.ErrIOFailure)
	}

	vol.Data = make([]float64, vol.Len())
	if err := readPayload(r, order, kind, vol.Data); err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i, s := range vol.Data {
			vol.Data[i] = s*slope + inter
		}
		if kind != models.Float64 {
			vol.Kind = models.Float32
		}
	}
	return vol, nil
}

func spacingOf(h header) r3.Vec {
	sp := [3]float64{1, 1, 1}
	for i := range sp {
		if d := math.Abs(float64(h.Pixdim[i+1])); d > 0 {
			sp[i] = d
		}
	}
	return r3.Vec{X: sp[0], Y: sp[1], Z: sp[2]}
}

func originOf(h header) r3.Vec {
	switch {
	case h.QformCode > 0:
		return r3.Vec{X: float64(h.QoffsetX), Y: float64(h.QoffsetY), Z: float64(h.QoffsetZ)}
	case h.SformCode > 0:
		return r3.Vec{X: float64(h.SrowX[3]), Y: float64(h.SrowY[3]), Z: float64(h.SrowZ[3])}
	}
	return r3.Vec{}
}

func readPayload(r io.Reader, order binary.ByteOrder, kind models.ScalarKind, dst []float64) error {
	var err error
	switch kind {
	case models.Uint8:
		buf := make([]uint8, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	case models.Int8:
		buf := make([]int8, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	case models.Int16:
		buf := make([]int16, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	case models.Uint16:
		buf := make([]uint16, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	case models.Int32:
		buf := make([]int32, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	case models.Float32:
		buf := make([]float32, len(dst))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				dst[i] = float64(v)
			}
		}
	default:
		err = binary.Read(r, order, dst)
	}
	if err != nil {
		return fmt.Errorf("read %d voxels: %v: %w", len(dst), err, models.ErrIOFailure)
	}
	return nil
}

// Write stores vol at path. The data is written to a temporary file in the
// same directory and renamed into place, so the final path never holds a
// partial file.
func Write(vol *models.Volume, path string) (err error) {
	if err := vol.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file in %s: %v: %w", dir, err, models.ErrIOFailure)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = Encode(w, vol); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %v: %w", tmp.Name(), err, models.ErrIOFailure)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %v: %w", tmp.Name(), err, models.ErrIOFailure)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %v: %w", tmp.Name(), err, models.ErrIOFailure)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %s: %v: %w", tmp.Name(), err, models.ErrIOFailure)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %v: %w", path, err, models.ErrIOFailure)
	}
	return nil
}

// Encode writes vol as a little-endian NIfTI-1 stream
func Encode(w io.Writer, vol *models.Volume) error {
	code, bitpix := datatypeOf(vol.Kind)

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  code,
		Bitpix:    bitpix,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // millimetres
		QformCode: 1,
		SformCode: 1,
		QoffsetX:  float32(vol.Origin.X),
		QoffsetY:  float32(vol.Origin.Y),
		QoffsetZ:  float32(vol.Origin.Z),
		SrowX:     [4]float32{float32(vol.Spacing.X), 0, 0, float32(vol.Origin.X)},
		SrowY:     [4]float32{0, float32(vol.Spacing.Y), 0, float32(vol.Origin.Y)},
		SrowZ:     [4]float32{0, 0, float32(vol.Spacing.Z), float32(vol.Origin.Z)},
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(vol.Dims[0]), int16(vol.Dims[1]), int16(vol.Dims[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(vol.Spacing.X), float32(vol.Spacing.Y), float32(vol.Spacing.Z), 1, 1, 1, 1}
	copy(h.Descrip[:], "qctmask")
	lo, hi := vol.ScalarRange()
	h.CalMin, h.CalMax = float32(lo), float32(hi)

	for _, n := range vol.Dims {
		if n > math.MaxInt16 {
			return fmt.Errorf("dimension %d exceeds the NIfTI-1 limit: %w", n, models.ErrInvalidParameter)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %v: %w", err, models.ErrIOFailure)
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("write extension: %v: %w", err, models.ErrIOFailure)
	}
	if err := writePayload(w, vol); err != nil {
		return fmt.Errorf("write %d voxels: %v: %w", vol.Len(), err, models.ErrIOFailure)
	}
	return nil
}

// writePayload stores the samples in the volume's kind, saturating values
// the kind cannot hold
func writePayload(w io.Writer, vol *models.Volume) error {
	conv := vol.Kind.Convert
	switch vol.Kind {
	case models.Uint8:
		buf := make([]uint8, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = uint8(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case models.Int8:
		buf := make([]int8, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = int8(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case models.Int16:
		buf := make([]int16, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = int16(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case models.Uint16:
		buf := make([]uint16, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = uint16(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case models.Int32:
		buf := make([]int32, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = int32(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	case models.Float32:
		buf := make([]float32, len(vol.Data))
		for i, v := range vol.Data {
			buf[i] = float32(conv(v))
		}
		return binary.Write(w, binary.LittleEndian, buf)
	default:
		return binary.Write(w, binary.LittleEndian, vol.Data)
	}
}
