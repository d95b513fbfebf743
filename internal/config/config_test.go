package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDottedAccess(t *testing.T) {
	c := New()
	c.Set("listen.port", 13700)
	c.Set("listen.ssl.cert", "/etc/cert.pem")

	assert.Equal(t, 13700, c.GetInt("listen.port", 0))
	assert.Equal(t, "/etc/cert.pem", c.GetString("listen.ssl.cert", ""))
	assert.Equal(t, "fallback", c.GetString("listen.missing", "fallback"))

	c.Delete("listen.ssl.cert")
	assert.Nil(t, c.Get("listen.ssl.cert"))
	// parent maps survive the delete
	assert.NotNil(t, c.Get("listen"))
}

func TestMergeNestedMaps(t *testing.T) {
	a := map[string]any{
		"pools": map[string]any{"p1": map[string]any{"slots": 2}},
		"name":  "a",
	}
	b := map[string]any{
		"pools": map[string]any{"p2": map[string]any{"slots": 1}},
	}
	out := Merge(a, b)
	pools := out["pools"].(map[string]any)
	assert.Contains(t, pools, "p1")
	assert.Contains(t, pools, "p2")
	assert.Equal(t, "a", out["name"])
}

func TestMergeAlgebra(t *testing.T) {
	tests := []struct {
		name string
		a    map[string]any
		b    map[string]any
		key  string
		want any
	}{
		{
			name: "delete key",
			a:    map[string]any{"x": 1, "y": 2},
			b:    map[string]any{"!x": nil},
			key:  "x",
			want: nil,
		},
		{
			name: "append list",
			a:    map[string]any{"l": []any{1, 2}},
			b:    map[string]any{"+l": []any{3}},
			key:  "l",
			want: []any{1, 2, 3},
		},
		{
			name: "prepend list",
			a:    map[string]any{"l": []any{2, 3}},
			b:    map[string]any{"l+": []any{1}},
			key:  "l",
			want: []any{1, 2, 3},
		},
		{
			name: "diff list",
			a:    map[string]any{"l": []any{1, 2, 3}},
			b:    map[string]any{"-l": []any{2}},
			key:  "l",
			want: []any{1, 3},
		},
		{
			name: "replace scalar",
			a:    map[string]any{"x": 1},
			b:    map[string]any{"x": 2},
			key:  "x",
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Merge(tt.a, tt.b)
			if tt.want == nil {
				assert.NotContains(t, out, tt.key)
			} else {
				assert.Equal(t, tt.want, out[tt.key])
			}
		})
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := map[string]any{"l": []any{1}}
	b := map[string]any{"+l": []any{2}}
	Merge(a, b)
	assert.Equal(t, []any{1}, a["l"])
}

func TestLoadFileYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "box.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
name: a
pools:
  p1:
    slots: 2
listen:
  port: 13700
`), 0644))

	jsonPath := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"pools":{"p1":{"slots":4}}}`), 0644))

	c := New()
	require.NoError(t, c.LoadFile(yamlPath))
	assert.Equal(t, "a", c.GetString("name", ""))
	assert.Equal(t, 2, c.GetInt("pools.p1.slots", 0))

	require.NoError(t, c.LoadFile(jsonPath))
	assert.Equal(t, 4, c.GetInt("pools.p1.slots", 0))
	assert.Equal(t, 13700, c.GetInt("listen.port", 0))
}

func TestParseKV(t *testing.T) {
	m := ParseKV([]string{"listen.port=13701", "use_loadavg=true", "tags=a,b", "drain"})
	c := New(m)
	assert.Equal(t, 13701, c.GetInt("listen.port", 0))
	assert.Equal(t, true, c.GetBool("use_loadavg", false))
	assert.Equal(t, []any{"a", "b"}, c.Get("tags"))
	assert.NotNil(t, c.Get("drain"))
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"filename": "data.csv", "index": "0"}
	assert.Equal(t, "load data.csv", Expand("load %(filename)s", vars))
	assert.Equal(t, "0_data.csv", Expand("%(index)s_%(filename)s", vars))
	// unknown keys stay put
	assert.Equal(t, "%(missing)s", Expand("%(missing)s", vars))
	assert.Equal(t, "plain", Expand("plain", vars))
}

func TestCopyIsDeep(t *testing.T) {
	c := New(map[string]any{"a": map[string]any{"b": 1}})
	cp := c.Copy()
	cp["a"].(map[string]any)["b"] = 2
	assert.Equal(t, 1, c.GetInt("a.b", 0))
}
