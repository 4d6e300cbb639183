package powers

import (
	"errors"
	"testing"
)

func TestTargets(t *testing.T) {
	var tests = []struct {
		degree, low uint32
		want        []uint32
	}{
		{4, 0, []uint32{1, 2, 3, 4}},
		{4, 4, []uint32{1, 2, 3, 4}},
		{10, 2, []uint32{1, 2, 3, 6, 9}},
		{8, 3, []uint32{1, 2, 3, 4, 8}},
	}

	for _, tt := range tests {
		got := Targets(tt.degree, tt.low)
		if len(got) != len(tt.want) {
			t.Errorf("Targets(%d, %d): want %v, got %v", tt.degree, tt.low, tt.want, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Targets(%d, %d): want %v, got %v", tt.degree, tt.low, tt.want, got)
				break
			}
		}
	}
}

func TestBuildAllSources(t *testing.T) {
	d, err := Build([]uint32{1, 2, 3, 4}, Targets(4, 0))
	if err != nil {
		t.Fatal(err)
	}
	if d.Derived() {
		t.Errorf("no product expected, got depth %d", d.Depth())
	}
	for _, n := range d.Nodes() {
		if !n.IsSource() {
			t.Errorf("power %d should be a source", n.Power)
		}
	}
}

func TestBuildDerived(t *testing.T) {
	// the second original parameter set
	sources := []uint32{1, 3, 4, 5, 8, 14, 20, 26, 32, 38, 41, 42, 43, 45, 46}
	d, err := Build(sources, Targets(92, 0))
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint32]bool)
	for _, n := range d.Nodes() {
		if !n.IsSource() {
			if !seen[n.Left] || !seen[n.Right] {
				t.Fatalf("power %d uses %d*%d before they exist", n.Power, n.Left, n.Right)
			}
			if n.Left+n.Right != n.Power {
				t.Fatalf("power %d is not %d+%d", n.Power, n.Left, n.Right)
			}
		}
		seen[n.Power] = true
	}
	for p := uint32(1); p <= 92; p++ {
		if !seen[p] {
			t.Errorf("power %d is missing", p)
		}
	}
	if d.Depth() != 1 {
		t.Errorf("want depth 1, got %d", d.Depth())
	}
}

func TestBuildPowersOfOne(t *testing.T) {
	d, err := Build([]uint32{1}, Targets(8, 0))
	if err != nil {
		t.Fatal(err)
	}
	// 8 = 4*4 = (2*2)*(2*2) = ((1*1)*(1*1))*...
	if d.Depth() != 3 {
		t.Errorf("want depth 3, got %d", d.Depth())
	}
	n, ok := d.Node(8)
	if !ok || n.Left != 4 || n.Right != 4 {
		t.Errorf("want 8 = 4+4, got %+v", n)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(nil, []uint32{1}); !errors.Is(err, ErrNoSources) {
		t.Errorf("want ErrNoSources, got %v", err)
	}
	if _, err := Build([]uint32{2}, []uint32{1, 2}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("want ErrUnreachable, got %v", err)
	}
}
