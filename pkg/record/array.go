package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// DType identifies the element type of a bulk array payload. The on-disk
// byte order is little endian for every backend.
type DType string

// Supported array element types.
const (
	DTypeUint8   DType = "uint8"
	DTypeInt16   DType = "int16"
	DTypeUint16  DType = "uint16"
	DTypeInt32   DType = "int32"
	DTypeUint32  DType = "uint32"
	DTypeInt64   DType = "int64"
	DTypeFloat32 DType = "float32"
	DTypeFloat64 DType = "float64"
)

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case DTypeUint8:
		return 1
	case DTypeInt16, DTypeUint16:
		return 2
	case DTypeInt32, DTypeUint32, DTypeFloat32:
		return 4
	case DTypeInt64, DTypeFloat64:
		return 8
	default:
		return 0
	}
}

// Array is a dense n-dimensional array in row-major order backed by a raw
// little-endian byte buffer.
type Array struct {
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  []byte `json:"-"`
}

// NewArray allocates a zero-filled array of the given dtype and shape.
// Arrays have at least one dimension.
func NewArray(d DType, shape ...int) (*Array, error) {
	if d.Size() == 0 {
		return nil, fmt.Errorf("record: unknown dtype %q", d)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("record: array needs at least one dimension")
	}
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("record: invalid dimension %d", dim)
		}
		n *= dim
	}
	return &Array{DType: d, Shape: append([]int(nil), shape...), Data: make([]byte, n*d.Size())}, nil
}

// Len returns the number of elements.
func (a *Array) Len() int {
	n := 1
	for _, dim := range a.Shape {
		n *= dim
	}
	return n
}

// NumBytes returns the size of the raw buffer implied by dtype and shape.
func (a *Array) NumBytes() int { return a.Len() * a.DType.Size() }

// Validate checks dtype, shape, and buffer length consistency.
func (a *Array) Validate() error {
	if a.DType.Size() == 0 {
		return fmt.Errorf("record: unknown dtype %q", a.DType)
	}
	if len(a.Shape) == 0 {
		return fmt.Errorf("record: array needs at least one dimension")
	}
	for _, dim := range a.Shape {
		if dim <= 0 {
			return fmt.Errorf("record: invalid dimension %d", dim)
		}
	}
	if len(a.Data) != a.NumBytes() {
		return fmt.Errorf("record: buffer is %d bytes, want %d", len(a.Data), a.NumBytes())
	}
	return nil
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	return &Array{
		DType: a.DType,
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]byte(nil), a.Data...),
	}
}

// Equal reports value equality of dtype, shape, and contents.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

// Float64At reads element i as float64. Valid only for DTypeFloat64.
func (a *Array) Float64At(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
}

// SetFloat64 stores v at element i. Valid only for DTypeFloat64.
func (a *Array) SetFloat64(i int, v float64) {
	binary.LittleEndian.PutUint64(a.Data[i*8:], math.Float64bits(v))
}

// Float32At reads element i as float32. Valid only for DTypeFloat32.
func (a *Array) Float32At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(a.Data[i*4:]))
}

// SetFloat32 stores v at element i. Valid only for DTypeFloat32.
func (a *Array) SetFloat32(i int, v float32) {
	binary.LittleEndian.PutUint32(a.Data[i*4:], math.Float32bits(v))
}

// Region selects an axis-aligned sub-block of an array for partial writes.
// Offset and Size must have one entry per array dimension.
type Region struct {
	Offset []int `json:"offset"`
	Size   []int `json:"size"`
}

// Validate checks the region against the given array shape.
func (r Region) Validate(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("record: region requires an array with at least one dimension")
	}
	if len(r.Offset) != len(shape) || len(r.Size) != len(shape) {
		return fmt.Errorf("record: region rank %d/%d does not match shape rank %d", len(r.Offset), len(r.Size), len(shape))
	}
	for i := range shape {
		if r.Offset[i] < 0 || r.Size[i] <= 0 || r.Offset[i]+r.Size[i] > shape[i] {
			return fmt.Errorf("record: region [%d,%d) out of bounds for axis %d of extent %d", r.Offset[i], r.Offset[i]+r.Size[i], i, shape[i])
		}
	}
	return nil
}

// EachRun visits the contiguous row-major runs covered by the region within
// an array of the given shape. For every run it reports the destination
// element offset in the full array, the source element offset in a dense
// array shaped like the region, and the run length in elements. Iteration
// stops at the first error.
func (r Region) EachRun(shape []int, fn func(dstElem, srcElem, elems int) error) error {
	if err := r.Validate(shape); err != nil {
		return err
	}
	rank := len(shape)
	// strides in elements for the full array
	strides := make([]int, rank)
	s := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	runLen := r.Size[rank-1]
	// iterate all index tuples over the leading region dimensions
	idx := make([]int, rank-1)
	srcElem := 0
	for {
		dstElem := r.Offset[rank-1] * strides[rank-1]
		for i := 0; i < rank-1; i++ {
			dstElem += (r.Offset[i] + idx[i]) * strides[i]
		}
		if err := fn(dstElem, srcElem, runLen); err != nil {
			return err
		}
		srcElem += runLen
		// odometer increment over the leading dimensions
		carry := true
		for i := rank - 2; i >= 0 && carry; i-- {
			idx[i]++
			if idx[i] < r.Size[i] {
				carry = false
			} else {
				idx[i] = 0
			}
		}
		if carry {
			return nil
		}
	}
}

// ValidateSource checks that src is a dense array shaped exactly like the
// region, so every run the region covers can be read from it.
func (r Region) ValidateSource(src *Array) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if len(src.Shape) != len(r.Size) {
		return fmt.Errorf("record: source rank %d does not match region rank %d", len(src.Shape), len(r.Size))
	}
	for i := range r.Size {
		if src.Shape[i] != r.Size[i] {
			return fmt.Errorf("record: source shape %v does not match region size %v", src.Shape, r.Size)
		}
	}
	return nil
}

// ApplyRegion copies src (shaped like the region) into dst at the region.
// It is the in-memory reference semantics every partial-write backend must
// reproduce.
func ApplyRegion(dst *Array, r Region, src *Array) error {
	if src.DType != dst.DType {
		return fmt.Errorf("record: region dtype %q does not match array dtype %q", src.DType, dst.DType)
	}
	if err := r.ValidateSource(src); err != nil {
		return err
	}
	es := dst.DType.Size()
	return r.EachRun(dst.Shape, func(dstElem, srcElem, elems int) error {
		copy(dst.Data[dstElem*es:(dstElem+elems)*es], src.Data[srcElem*es:(srcElem+elems)*es])
		return nil
	})
}
