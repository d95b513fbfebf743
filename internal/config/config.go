// ============================================================================
// Meeseeks Config - Dotted-Key Configuration Tree
// ============================================================================
//
// Package: internal/config
// Purpose: Configuration store with dotted-path access and merge algebra
//
// A Config is a tree of nested maps addressed by dotted paths
// ("listen.port", "nodes.work1.ssl.cert"). Merging supports list-operation
// key prefixes as a value-level algebra:
//
//   !key   delete key from the destination
//   +key   append the source list to the destination list
//   key+   prepend the source list to the destination list
//   -key   remove the source list's items from the destination list
//
// Files load from YAML or JSON; the in-memory form is always
// map[string]any with string keys so it round-trips through the wire
// protocol's config envelope.
//
// ============================================================================

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is a configuration tree. Not safe for concurrent mutation; the box
// serializes reloads.
type Config struct {
	tree map[string]any
}

// New creates a Config, merging any given maps in order.
func New(maps ...map[string]any) *Config {
	c := &Config{tree: map[string]any{}}
	for _, m := range maps {
		c.Update(m)
	}
	return c
}

// LoadFile reads a YAML or JSON config file and merges it in. JSON is a
// subset of YAML, so both parse through the YAML decoder; keys are
// normalized to strings.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	c.Update(normalize(raw).(map[string]any))
	return nil
}

// normalize converts YAML's map[any]any shapes into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprintf("%v", k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// Update merges m into the tree using the merge algebra.
func (c *Config) Update(m map[string]any) {
	c.tree = Merge(c.tree, m)
}

// Copy returns a deep copy of the tree.
func (c *Config) Copy() map[string]any {
	return deepCopy(c.tree).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}

// Get returns the value at a dotted path, or nil.
func (c *Config) Get(path string) any {
	d := any(c.tree)
	for _, k := range strings.Split(path, ".") {
		m, ok := d.(map[string]any)
		if !ok {
			return nil
		}
		d, ok = m[k]
		if !ok {
			return nil
		}
	}
	return d
}

// Set writes a value at a dotted path, creating intermediate maps.
func (c *Config) Set(path string, v any) {
	d := c.tree
	keys := strings.Split(path, ".")
	for _, k := range keys[:len(keys)-1] {
		next, ok := d[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			d[k] = next
		}
		d = next
	}
	d[keys[len(keys)-1]] = v
}

// Delete removes a dotted path if present.
func (c *Config) Delete(path string) {
	d := c.tree
	keys := strings.Split(path, ".")
	for _, k := range keys[:len(keys)-1] {
		next, ok := d[k].(map[string]any)
		if !ok {
			return
		}
		d = next
	}
	delete(d, keys[len(keys)-1])
}

// Sub returns the map at a dotted path, or an empty map.
func (c *Config) Sub(path string) map[string]any {
	if m, ok := c.Get(path).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// GetString returns the string at path, or def.
func (c *Config) GetString(path, def string) string {
	switch t := c.Get(path).(type) {
	case string:
		return t
	case nil:
		return def
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GetInt returns the integer at path, or def.
func (c *Config) GetInt(path string, def int) int {
	switch t := c.Get(path).(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns the float at path, or def.
func (c *Config) GetFloat(path string, def float64) float64 {
	switch t := c.Get(path).(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the bool at path, or def.
func (c *Config) GetBool(path string, def bool) bool {
	switch t := c.Get(path).(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// Dump serializes the tree as JSON.
func (c *Config) Dump() string {
	b, _ := json.Marshal(c.tree)
	return string(b)
}

// Merge merges b into a copy of a and returns the result.
//
//	nested maps merge recursively; other values replace
//	!key in b deletes key from a
//	+key in b appends b's list to a's list (a+b)
//	key+ in b prepends b's list to a's list (b+a)
//	-key in b removes b's list items from a's list (a-b)
func Merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	// process !keys first so a delete and a re-add in one delta behave
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, bkey := range keys {
		key := bkey
		var appendList, prependList, diffList bool
		switch {
		case strings.HasPrefix(bkey, "!"):
			delete(out, bkey[1:])
			continue
		case strings.HasPrefix(bkey, "+"):
			appendList, key = true, bkey[1:]
		case strings.HasSuffix(bkey, "+"):
			prependList, key = true, bkey[:len(bkey)-1]
		case strings.HasPrefix(bkey, "-"):
			diffList, key = true, bkey[1:]
		}
		av, aok := out[key]
		bv := b[bkey]
		am, amok := av.(map[string]any)
		bm, bmok := bv.(map[string]any)
		al, alok := av.([]any)
		bl, blok := bv.([]any)
		switch {
		case aok && amok && bmok:
			out[key] = Merge(am, bm)
		case aok && appendList && alok && blok:
			out[key] = append(append([]any{}, al...), bl...)
		case aok && prependList && alok && blok:
			out[key] = append(append([]any{}, bl...), al...)
		case aok && diffList && alok && blok:
			kept := []any{}
			for _, e := range al {
				if !containsAny(bl, e) {
					kept = append(kept, e)
				}
			}
			out[key] = kept
		case !diffList:
			out[key] = bv
		}
	}
	return out
}

func containsAny(l []any, v any) bool {
	for _, e := range l {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", v) {
			return true
		}
	}
	return false
}

// ParseKV parses "key=value" arguments with dotted keys into a config
// delta. Values parse as ints where possible and split on commas into
// lists; a bare key maps to an empty value.
func ParseKV(args []string) map[string]any {
	c := New()
	for _, arg := range args {
		k, v, found := strings.Cut(arg, "=")
		if !found {
			c.Set(strings.TrimSpace(arg), map[string]any{})
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		c.Set(k, parseValue(v))
	}
	return c.tree
}

func parseValue(v string) any {
	if v == "" {
		return map[string]any{}
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, parseValue(strings.TrimSpace(p)))
		}
		return out
	}
	return v
}

// Expand substitutes %(key)s tokens in s from vars. Unknown keys are left
// in place.
func Expand(s string, vars map[string]string) string {
	var out strings.Builder
	for {
		i := strings.Index(s, "%(")
		if i < 0 {
			out.WriteString(s)
			return out.String()
		}
		j := strings.Index(s[i:], ")s")
		if j < 0 {
			out.WriteString(s)
			return out.String()
		}
		key := s[i+2 : i+j]
		if v, ok := vars[key]; ok {
			out.WriteString(s[:i])
			out.WriteString(v)
		} else {
			out.WriteString(s[:i+j+2])
		}
		s = s[i+j+2:]
	}
}
