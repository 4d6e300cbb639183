// Package powers schedules which ciphertext powers the server derives
// from the powers a client sends.
//
// A client encrypts x^s for every source power s. To evaluate a bin
// polynomial the server needs x^t for every target power t. Targets that
// are not sources are computed as products x^a * x^b of powers already
// available, picking the pair of lowest multiplicative depth.
package powers

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrNoSources   = fmt.Errorf("no source powers")
	ErrUnreachable = fmt.Errorf("target power cannot be derived from the source powers")
)

// Node is one power in the schedule. Sources have Left and Right at 0.
type Node struct {
	Power uint32
	Left  uint32
	Right uint32
	Depth int
}

// IsSource returns true if the power is sent by the client
func (n Node) IsSource() bool {
	return n.Left == 0
}

// DAG holds the derivation of every target power.
type DAG struct {
	nodes map[uint32]Node
	order []uint32
}

// Targets returns the powers needed to evaluate a polynomial of the given
// degree. Without a Paterson-Stockmeyer split (psLowDegree 0, or not
// lower than degree) they are 1..degree. With a split of low degree L
// they are 1..L and every multiple of L+1 up to degree.
func Targets(degree, psLowDegree uint32) []uint32 {
	var targets []uint32
	if psLowDegree == 0 || psLowDegree >= degree {
		for i := uint32(1); i <= degree; i++ {
			targets = append(targets, i)
		}
		return targets
	}

	for i := uint32(1); i <= psLowDegree; i++ {
		targets = append(targets, i)
	}
	high := psLowDegree + 1
	for i := high; i <= degree; i += high {
		targets = append(targets, i)
	}
	return targets
}

// Build schedules every target from the sources. Targets are processed in
// ascending order, so a product may reuse any smaller target.
func Build(sources, targets []uint32) (*DAG, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	d := &DAG{nodes: make(map[uint32]Node, len(sources)+len(targets))}
	for _, s := range sources {
		if s == 0 {
			return nil, fmt.Errorf("source power 0: %w", ErrUnreachable)
		}
		d.nodes[s] = Node{Power: s}
	}

	sorted := slices.Clone(targets)
	slices.Sort(sorted)

	for _, t := range sorted {
		if _, ok := d.nodes[t]; ok {
			continue
		}
		best := Node{Depth: -1}
		for a := t / 2; a >= 1; a-- {
			na, ok := d.nodes[a]
			if !ok {
				continue
			}
			nb, ok := d.nodes[t-a]
			if !ok {
				continue
			}
			depth := max(na.Depth, nb.Depth) + 1
			if best.Depth < 0 || depth < best.Depth {
				best = Node{Power: t, Left: a, Right: t - a, Depth: depth}
			}
		}
		if best.Depth < 0 {
			return nil, fmt.Errorf("power %d: %w", t, ErrUnreachable)
		}
		d.nodes[t] = best
	}

	d.order = maps.Keys(d.nodes)
	slices.Sort(d.order)

	return d, nil
}

// Nodes returns every power of the schedule in ascending order. A
// derived node always comes after both of its operands.
func (d *DAG) Nodes() []Node {
	nodes := make([]Node, len(d.order))
	for i, p := range d.order {
		nodes[i] = d.nodes[p]
	}
	return nodes
}

// Node returns the schedule entry of power p
func (d *DAG) Node(p uint32) (Node, bool) {
	n, ok := d.nodes[p]
	return n, ok
}

// Depth returns the largest multiplicative depth of the schedule
func (d *DAG) Depth() int {
	var depth int
	for _, n := range d.nodes {
		depth = max(depth, n.Depth)
	}
	return depth
}

// Derived returns true if at least one power is a product
func (d *DAG) Derived() bool {
	return d.Depth() > 0
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}
