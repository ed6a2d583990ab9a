package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cockroachdb/pebble"
)

// ServerValueKey marks a placeholder resolved by the store when applied.
const ServerValueKey = ".sv"

// Update is a single validated path assignment. A nil Value deletes.
type Update struct {
	Path  string
	Segs  []string
	Value any
}

// ParseUpdates validates a multi-path update and normalizes its values to
// the decoded JSON shape the tree stores. Paths are returned sorted.
func ParseUpdates(updates map[string]any) ([]Update, error) {
	out := make([]Update, 0, len(updates))
	for p, v := range updates {
		segs, err := SplitPath(p)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, fmt.Errorf("%w: cannot write the root", ErrInvalidPath)
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("value at %s: %w", p, err)
		}
		out = append(out, Update{Path: JoinPath(segs...), Segs: segs, Value: nv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if Related(out[i].Segs, out[j].Segs) {
				return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingPaths, out[i].Path, out[j].Path)
			}
		}
	}
	return out, nil
}

// Normalize converts an arbitrary Go value into its decoded JSON form
// (map[string]any, []any, string, json.Number, bool or nil).
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, json.Number:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply writes all updates in one batch. For each path the existing subtree
// and any scalar ancestors are cleared before the new leaves are written, so
// the batch either lands completely or not at all. now resolves server
// timestamp placeholders.
func (d *DB) Apply(updates []Update, now int64) error {
	if !d.Ready() {
		return ErrNotOpen
	}
	if len(updates) == 0 {
		return nil
	}
	batch := d.pdb.NewBatch()
	defer batch.Close()

	for _, u := range updates {
		for i := 1; i < len(u.Segs); i++ {
			if err := batch.Delete(leafKey(u.Segs[:i]), nil); err != nil {
				return err
			}
		}
		if err := batch.Delete(leafKey(u.Segs), nil); err != nil {
			return err
		}
		existing, err := d.keysUnder(subtreePrefix(u.Segs))
		if err != nil {
			return err
		}
		for _, k := range existing {
			if err := batch.Delete(k, nil); err != nil {
				return err
			}
		}
		if u.Value == nil {
			continue
		}
		err = flatten(u.Segs, u.Value, now, func(segs []string, raw []byte) error {
			return batch.Set(leafKey(segs), raw, nil)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", u.Path, err)
		}
	}
	return d.applyBatch(batch)
}

// Get rebuilds the value stored at path.
func (d *DB) Get(path string) (any, bool, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, false, err
	}
	return d.GetSegs(segs)
}

func (d *DB) GetSegs(segs []string) (any, bool, error) {
	if !d.Ready() {
		return nil, false, ErrNotOpen
	}
	if len(segs) > 0 {
		raw, ok, err := d.getRaw(leafKey(segs))
		if err != nil {
			return nil, false, err
		}
		if ok {
			v, err := decodeJSON(raw)
			if err != nil {
				return nil, false, fmt.Errorf("corrupt leaf %s: %w", JoinPath(segs...), err)
			}
			return v, true, nil
		}
	}

	prefix := subtreePrefix(segs)
	root := map[string]any{}
	found := false
	err := d.scan(prefix, func(key, val []byte) error {
		rel := segsFromKey(key)[len(segs):]
		v, err := decodeJSON(val)
		if err != nil {
			return fmt.Errorf("corrupt leaf %s: %w", key, err)
		}
		insertLeaf(root, rel, v)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return arrayify(root), true, nil
}

// Exists reports whether anything is stored at or below path.
func (d *DB) Exists(path string) (bool, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return false, err
	}
	return d.ExistsSegs(segs)
}

func (d *DB) ExistsSegs(segs []string) (bool, error) {
	if !d.Ready() {
		return false, ErrNotOpen
	}
	if len(segs) > 0 {
		if _, ok, err := d.getRaw(leafKey(segs)); err != nil || ok {
			return ok, err
		}
	}
	prefix := subtreePrefix(segs)
	iter, err := d.pdb.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return iter.First(), iter.Error()
}

// Children lists the direct child names of path in store order.
func (d *DB) Children(path string) ([]string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return d.ChildrenSegs(segs)
}

func (d *DB) ChildrenSegs(segs []string) ([]string, error) {
	if !d.Ready() {
		return nil, ErrNotOpen
	}
	seen := make(map[string]struct{})
	names := make([]string, 0)
	err := d.scan(subtreePrefix(segs), func(key, _ []byte) error {
		rel := segsFromKey(key)[len(segs):]
		if len(rel) == 0 {
			return nil
		}
		if _, ok := seen[rel[0]]; !ok {
			seen[rel[0]] = struct{}{}
			names = append(names, rel[0])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortChildren(names)
	return names, nil
}

func (d *DB) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := d.pdb.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (d *DB) keysUnder(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := d.scan(prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	return keys, err
}

func flatten(segs []string, v any, now int64, emit func([]string, []byte) error) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if sv, ok := t[ServerValueKey]; ok {
			if len(t) != 1 || sv != "timestamp" {
				return fmt.Errorf("%w: unsupported server value %v", ErrInvalidPath, sv)
			}
			return emit(segs, []byte(strconv.FormatInt(now, 10)))
		}
		for k, child := range t {
			if err := ValidateSegment(k); err != nil {
				return err
			}
			if err := flatten(appendSeg(segs, k), child, now, emit); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := flatten(appendSeg(segs, strconv.Itoa(i)), child, now, emit); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return emit(segs, raw)
	}
}

func appendSeg(segs []string, s string) []string {
	out := make([]string, len(segs)+1)
	copy(out, segs)
	out[len(segs)] = s
	return out
}

func insertLeaf(root map[string]any, rel []string, v any) {
	cur := root
	for i, seg := range rel {
		if i == len(rel)-1 {
			if _, isMap := cur[seg].(map[string]any); !isMap {
				cur[seg] = v
			}
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

// maps keyed exactly 0..n-1 come back as arrays
func arrayify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = arrayify(child)
	}
	if len(m) == 0 {
		return m
	}
	arr := make([]any, len(m))
	for k, child := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || strconv.Itoa(i) != k {
			return m
		}
		arr[i] = child
	}
	return arr
}
