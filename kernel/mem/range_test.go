package mem

import (
	"reflect"
	"testing"
)

func TestRangeSub(t *testing.T) {
	specs := []struct {
		name string
		r    Range
		sub  Range
		exp  []Range
	}{
		{
			name: "no overlap, sub entirely before",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 0, End: 50},
			exp:  []Range{{Start: 100, End: 200}},
		},
		{
			name: "no overlap, sub entirely after",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 200, End: 300},
			exp:  []Range{{Start: 100, End: 200}},
		},
		{
			name: "sub fully covers r",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 0, End: 300},
			exp:  nil,
		},
		{
			name: "sub splits r in the middle",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 140, End: 160},
			exp:  []Range{{Start: 100, End: 140}, {Start: 160, End: 200}},
		},
		{
			name: "sub removes a prefix",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 50, End: 150},
			exp:  []Range{{Start: 150, End: 200}},
		},
		{
			name: "sub removes a suffix",
			r:    Range{Start: 100, End: 200},
			sub:  Range{Start: 150, End: 250},
			exp:  []Range{{Start: 100, End: 150}},
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if got := RangeSub(spec.r, spec.sub); !reflect.DeepEqual(got, spec.exp) {
				t.Errorf("expected %v; got %v", spec.exp, got)
			}
		})
	}
}

func TestRangeLen(t *testing.T) {
	r := Range{Start: 10, End: 20}
	if got := r.Len(); got != 10 {
		t.Errorf("expected len 10; got %d", got)
	}

	empty := Range{Start: 20, End: 10}
	if !empty.Empty() {
		t.Error("expected inverted range to report as empty")
	}
}
