package mtla

import (
	"fmt"
	"strings"
)

// Policy decides which (query, key) cells of a score matrix are computed.
//
// Band returns the contiguous key range [lo, hi) that may hold unmasked
// cells for query row i; the kernel never looks outside it. Fanin returns
// how many consecutive key rows ending at j are pooled into cell (i, j):
// 0 masks the cell, 1 is a plain dot product. Fanin(i, j, w) = n > 0
// guarantees j-n+1 >= 0.
type Policy interface {
	Name() string
	Band(i, rows, window int) (lo, hi int)
	Fanin(i, j, window int) int
}

// Symmetric scores key j for query i iff |i-j| <= window.
type Symmetric struct{}

func (Symmetric) Name() string { return "symmetric" }

func (Symmetric) Band(i, rows, window int) (int, int) {
	return max(0, i-window), min(rows, i+window+1)
}

func (Symmetric) Fanin(i, j, window int) int {
	if InWindow(i, j, window) {
		return 1
	}
	return 0
}

// InWindow is the symmetric band predicate |i-j| <= window.
func InWindow(i, j, window int) bool {
	d := i - j
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Causal scores key j for query i iff 0 <= i-j <= window.
type Causal struct{}

func (Causal) Name() string { return "causal" }

func (Causal) Band(i, rows, window int) (int, int) {
	return max(0, i-window), min(rows, i+1)
}

func (Causal) Fanin(i, j, window int) int {
	if d := i - j; d >= 0 && d <= window {
		return 1
	}
	return 0
}

// Strided keeps a causal local window of roughly window keys and, further
// back, a dilated set of cells that each pool two or four consecutive keys.
// The local window grows by one on odd 1-based query positions.
type Strided struct{}

func (Strided) Name() string { return "strided" }

func (Strided) Band(i, rows, window int) (int, int) {
	return 0, min(rows, i+1)
}

func (Strided) Fanin(i, j, window int) int {
	if j > i {
		return 0
	}
	// 1-based positions
	key, query := j+1, i+1

	local := window
	if query%2 != 0 {
		local++
	}
	if query <= local {
		return 1
	}

	outside := query - local
	if outside < key {
		return 1
	}
	if key%2 != 0 {
		return 0
	}

	dilated := outside - min(window, outside)
	if dilated < key || dilated < 4 {
		return 2
	}
	if key%4 == 0 {
		return 4
	}
	return 0
}

// Allows reports whether cell (i, j) is computed under p.
func Allows(p Policy, i, j, rows, window int) bool {
	lo, hi := p.Band(i, rows, window)
	return j >= lo && j < hi && p.Fanin(i, j, window) > 0
}

// ParsePolicy resolves a policy by name; the empty name is Symmetric.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "symmetric":
		return Symmetric{}, nil
	case "causal":
		return Causal{}, nil
	case "strided":
		return Strided{}, nil
	default:
		return nil, fmt.Errorf("unknown masking policy %q", name)
	}
}
