package mural

import "testing"

func TestRecordAt(t *testing.T) {
	zWall := &Record{ID: "z", WorldName: "world", X1: 5, Y1: 60, Z1: 3, X2: 9, Y2: 62, Z2: 3, Facing: North}
	xWall := &Record{ID: "x", WorldName: "world", X1: 20, Y1: 60, Z1: 0, X2: 20, Y2: 64, Z2: 6, Facing: East}
	other := &Record{ID: "o", WorldName: "nether", X1: 5, Y1: 60, Z1: 3, X2: 9, Y2: 62, Z2: 3, Facing: North}
	records := []*Record{zWall, xWall, other}

	tests := []struct {
		name  string
		world string
		block BlockPos
		want  string
	}{
		{"on the wall", "world", BlockPos{X: 7, Y: 61, Z: 3}, "z"},
		{"in front of the wall", "world", BlockPos{X: 7, Y: 61, Z: 2}, "z"},
		{"behind the wall", "world", BlockPos{X: 7, Y: 61, Z: 4}, "z"},
		{"above the wall", "world", BlockPos{X: 7, Y: 63, Z: 3}, ""},
		{"x wall", "world", BlockPos{X: 21, Y: 64, Z: 6}, "x"},
		{"far away", "world", BlockPos{X: 50, Y: 61, Z: 3}, ""},
		{"other world", "nether", BlockPos{X: 5, Y: 60, Z: 3}, "o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RecordAt(records, tt.world, tt.block)
			if tt.want == "" {
				if ok {
					t.Errorf("RecordAt() = %s, want none", got.ID)
				}
				return
			}
			if !ok || got.ID != tt.want {
				t.Errorf("RecordAt() = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestFootprint(t *testing.T) {
	r := &Record{WorldName: "world", X1: 9, Y1: 60, Z1: 3, X2: 5, Y2: 62, Z2: 3}
	fp := Footprint(r)
	if fp.Min[0] != 4 || fp.Min[1] != 2 || fp.Max[0] != 11 || fp.Max[1] != 5 {
		t.Errorf("Footprint() = %v", fp)
	}
}
