package checkpoint

import (
	"reflect"
	"testing"

	"github.com/archnetwork/arch-indexer/internal/model"
)

func TestMergeGapsAdjacentAndOverlapping(t *testing.T) {
	tests := []struct {
		name string
		in   []model.GapRange
		add  model.GapRange
		want []model.GapRange
	}{
		{
			name: "disjoint insert",
			in:   []model.GapRange{{Lo: 1, Hi: 5}},
			add:  model.GapRange{Lo: 10, Hi: 12},
			want: []model.GapRange{{Lo: 1, Hi: 5}, {Lo: 10, Hi: 12}},
		},
		{
			name: "merges overlap",
			in:   []model.GapRange{{Lo: 1, Hi: 5}},
			add:  model.GapRange{Lo: 4, Hi: 8},
			want: []model.GapRange{{Lo: 1, Hi: 8}},
		},
		{
			name: "merges adjacency",
			in:   []model.GapRange{{Lo: 1, Hi: 5}},
			add:  model.GapRange{Lo: 6, Hi: 8},
			want: []model.GapRange{{Lo: 1, Hi: 8}},
		},
		{
			name: "insert into empty",
			in:   nil,
			add:  model.GapRange{Lo: 1, Hi: 2},
			want: []model.GapRange{{Lo: 1, Hi: 2}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mergeGaps(tc.in, tc.add)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveHeightSplitsGap(t *testing.T) {
	tests := []struct {
		name   string
		in     []model.GapRange
		height uint64
		want   []model.GapRange
	}{
		{
			name:   "interior split",
			in:     []model.GapRange{{Lo: 1, Hi: 10}},
			height: 5,
			want:   []model.GapRange{{Lo: 1, Hi: 4}, {Lo: 6, Hi: 10}},
		},
		{
			name:   "resolve lower edge",
			in:     []model.GapRange{{Lo: 1, Hi: 10}},
			height: 1,
			want:   []model.GapRange{{Lo: 2, Hi: 10}},
		},
		{
			name:   "resolve upper edge",
			in:     []model.GapRange{{Lo: 1, Hi: 10}},
			height: 10,
			want:   []model.GapRange{{Lo: 1, Hi: 9}},
		},
		{
			name:   "resolve single-height gap removes it",
			in:     []model.GapRange{{Lo: 5, Hi: 5}},
			height: 5,
			want:   []model.GapRange{},
		},
		{
			name:   "unrelated height untouched",
			in:     []model.GapRange{{Lo: 1, Hi: 10}},
			height: 50,
			want:   []model.GapRange{{Lo: 1, Hi: 10}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveHeight(tc.in, tc.height)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestClipGapAboveCeiling(t *testing.T) {
	tests := []struct {
		name    string
		gap     model.GapRange
		ceiling uint64
		want    model.GapRange
		wantOK  bool
	}{
		{
			name:    "entirely below ceiling resolves",
			gap:     model.GapRange{Lo: 4, Hi: 10},
			ceiling: 10,
			wantOK:  false,
		},
		{
			name:    "entirely above ceiling untouched",
			gap:     model.GapRange{Lo: 11, Hi: 20},
			ceiling: 10,
			want:    model.GapRange{Lo: 11, Hi: 20},
			wantOK:  true,
		},
		{
			name:    "straddles ceiling is clipped",
			gap:     model.GapRange{Lo: 4, Hi: 20},
			ceiling: 10,
			want:    model.GapRange{Lo: 11, Hi: 20},
			wantOK:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := clipGapAboveCeiling(tc.gap, tc.ceiling)
			if ok != tc.wantOK {
				t.Fatalf("got ok=%v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestPruneGapsBelowDropsResolvedRanges(t *testing.T) {
	in := []model.GapRange{{Lo: 1, Hi: 5}, {Lo: 8, Hi: 20}, {Lo: 30, Hi: 40}}
	got := pruneGapsBelow(in, 10)
	want := []model.GapRange{{Lo: 11, Hi: 20}, {Lo: 30, Hi: 40}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
