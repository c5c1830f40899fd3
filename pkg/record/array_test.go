package record

import (
	"testing"
)

func TestNewArray(t *testing.T) {
	a, err := NewArray(DTypeFloat64, 10, 10)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if a.Len() != 100 || a.NumBytes() != 800 {
		t.Fatalf("unexpected size %d/%d", a.Len(), a.NumBytes())
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := NewArray(DType("complex128"), 4); err == nil {
		t.Fatalf("expected unknown dtype error")
	}
	if _, err := NewArray(DTypeUint8, 4, 0); err == nil {
		t.Fatalf("expected invalid dimension error")
	}
}

func TestArrayCloneEqual(t *testing.T) {
	a, _ := NewArray(DTypeFloat32, 3, 2)
	for i := 0; i < a.Len(); i++ {
		a.SetFloat32(i, float32(i)*0.5)
	}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatalf("clone not equal")
	}
	b.SetFloat32(0, 99)
	if a.Equal(b) {
		t.Fatalf("clone shares buffer")
	}
	if a.Float32At(0) != 0 {
		t.Fatalf("original mutated")
	}
}

func TestRegionValidate(t *testing.T) {
	shape := []int{4, 6}
	cases := []struct {
		name string
		r    Region
		ok   bool
	}{
		{"interior", Region{Offset: []int{1, 2}, Size: []int{2, 3}}, true},
		{"full", Region{Offset: []int{0, 0}, Size: []int{4, 6}}, true},
		{"rank mismatch", Region{Offset: []int{1}, Size: []int{2}}, false},
		{"overflow", Region{Offset: []int{3, 0}, Size: []int{2, 6}}, false},
		{"zero size", Region{Offset: []int{0, 0}, Size: []int{0, 6}}, false},
		{"negative offset", Region{Offset: []int{-1, 0}, Size: []int{1, 6}}, false},
	}
	for _, tc := range cases {
		err := tc.r.Validate(shape)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestRegionEachRun(t *testing.T) {
	// 4x6 array, region rows 1..2, cols 2..4: two runs of 3 elements.
	r := Region{Offset: []int{1, 2}, Size: []int{2, 3}}
	var got [][3]int
	err := r.EachRun([]int{4, 6}, func(dstElem, srcElem, elems int) error {
		got = append(got, [3]int{dstElem, srcElem, elems})
		return nil
	})
	if err != nil {
		t.Fatalf("EachRun: %v", err)
	}
	want := [][3]int{{8, 0, 3}, {14, 3, 3}}
	if len(got) != len(want) {
		t.Fatalf("got %d runs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("run %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRegionEachRunRank1(t *testing.T) {
	r := Region{Offset: []int{3}, Size: []int{4}}
	runs := 0
	err := r.EachRun([]int{10}, func(dstElem, srcElem, elems int) error {
		runs++
		if dstElem != 3 || srcElem != 0 || elems != 4 {
			t.Fatalf("unexpected run %d %d %d", dstElem, srcElem, elems)
		}
		return nil
	})
	if err != nil || runs != 1 {
		t.Fatalf("EachRun: %v, runs=%d", err, runs)
	}
}

func TestApplyRegion(t *testing.T) {
	dst, _ := NewArray(DTypeFloat64, 4, 4)
	for i := 0; i < dst.Len(); i++ {
		dst.SetFloat64(i, 1)
	}
	src, _ := NewArray(DTypeFloat64, 2, 2)
	for i := 0; i < src.Len(); i++ {
		src.SetFloat64(i, 7)
	}
	r := Region{Offset: []int{1, 1}, Size: []int{2, 2}}
	if err := ApplyRegion(dst, r, src); err != nil {
		t.Fatalf("ApplyRegion: %v", err)
	}
	inside := map[int]bool{5: true, 6: true, 9: true, 10: true}
	for i := 0; i < dst.Len(); i++ {
		want := 1.0
		if inside[i] {
			want = 7.0
		}
		if dst.Float64At(i) != want {
			t.Fatalf("element %d: got %v, want %v", i, dst.Float64At(i), want)
		}
	}
}

func TestApplyRegionMismatch(t *testing.T) {
	dst, _ := NewArray(DTypeFloat64, 4, 4)
	src, _ := NewArray(DTypeFloat32, 2, 2)
	r := Region{Offset: []int{0, 0}, Size: []int{2, 2}}
	if err := ApplyRegion(dst, r, src); err == nil {
		t.Fatalf("expected dtype mismatch error")
	}
	src64, _ := NewArray(DTypeFloat64, 3, 2)
	if err := ApplyRegion(dst, r, src64); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
	short, _ := NewArray(DTypeFloat64, 2, 2)
	short.Data = short.Data[:8]
	if err := ApplyRegion(dst, r, short); err == nil {
		t.Fatalf("expected buffer length error")
	}
}

func TestScalarArrayRejected(t *testing.T) {
	if _, err := NewArray(DTypeFloat64); err == nil {
		t.Fatalf("expected error for array without dimensions")
	}
	scalar := &Array{DType: DTypeFloat64, Data: make([]byte, 8)}
	if err := scalar.Validate(); err == nil {
		t.Fatalf("expected validation error for empty shape")
	}
	if err := (Region{}).Validate(nil); err == nil {
		t.Fatalf("expected region error for empty shape")
	}
	if err := ApplyRegion(scalar, Region{}, scalar); err == nil {
		t.Fatalf("expected error applying a region to a scalar")
	}
}
