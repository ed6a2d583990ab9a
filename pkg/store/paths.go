package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxSegmentBytes bounds a single path segment.
	MaxSegmentBytes = 768
	// MaxDepth bounds the number of segments in a path.
	MaxDepth = 32

	leafPrefix = "v/"
)

var (
	ErrInvalidPath      = errors.New("invalid path")
	ErrOverlappingPaths = errors.New("overlapping paths in update")
	ErrNotOpen          = errors.New("store not opened")
)

// SplitPath splits a slash separated path into validated segments.
// Leading, trailing and repeated slashes are ignored; "" and "/" are the root.
func SplitPath(p string) ([]string, error) {
	out := make([]string, 0, 4)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if err := ValidateSegment(seg); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	if len(out) > MaxDepth {
		return nil, fmt.Errorf("%w: %q deeper than %d", ErrInvalidPath, p, MaxDepth)
	}
	return out, nil
}

// ValidateSegment rejects segments that cannot be stored as a path element.
func ValidateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if len(seg) > MaxSegmentBytes {
		return fmt.Errorf("%w: segment longer than %d bytes", ErrInvalidPath, MaxSegmentBytes)
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c < 0x20, c == 0x7f:
			return fmt.Errorf("%w: control character in %q", ErrInvalidPath, seg)
		case c == '/', c == '.', c == '#', c == '$', c == '[', c == ']':
			return fmt.Errorf("%w: %q contains %q", ErrInvalidPath, seg, string(c))
		}
	}
	return nil
}

// JoinPath joins segments into canonical form (no leading slash).
func JoinPath(segs ...string) string {
	return strings.Join(segs, "/")
}

// Child returns parent/child in canonical form.
func Child(parent, child string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return child
	}
	return parent + "/" + child
}

// IsAncestor reports whether a is a proper ancestor of b (segment-wise).
func IsAncestor(a, b []string) bool {
	if len(a) >= len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Related reports whether a and b are equal or one contains the other.
func Related(a, b []string) bool {
	return equalSegs(a, b) || IsAncestor(a, b) || IsAncestor(b, a)
}

func equalSegs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func leafKey(segs []string) []byte {
	return []byte(leafPrefix + strings.Join(segs, "/"))
}

func subtreePrefix(segs []string) []byte {
	if len(segs) == 0 {
		return []byte(leafPrefix)
	}
	return []byte(leafPrefix + strings.Join(segs, "/") + "/")
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func segsFromKey(key []byte) []string {
	s := strings.TrimPrefix(string(key), leafPrefix)
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// integer-like names sort numerically ahead of everything else
func childIndex(name string) (int64, bool) {
	if name == "" || len(name) > 19 {
		return 0, false
	}
	if name != "0" && (name[0] == '0' || strings.HasPrefix(name, "-0")) {
		return 0, false
	}
	n, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortChildren orders child names the way the store reports them.
func SortChildren(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return ChildLess(names[i], names[j])
	})
}

// ChildLess is the store ordering for sibling names.
func ChildLess(a, b string) bool {
	ai, aok := childIndex(a)
	bi, bok := childIndex(b)
	switch {
	case aok && bok:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}
