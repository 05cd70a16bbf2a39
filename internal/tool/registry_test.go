package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, args map[string]any) (string, error) {
	return "", nil
}

func def(name string, source Source, origin string) Definition {
	return Definition{Name: name, Source: source, Origin: origin, Handler: noopHandler}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Definition{Source: SourceBuiltin, Handler: noopHandler}))
	assert.Error(t, r.Register(Definition{Name: "x", Source: SourceBuiltin}))
	assert.Error(t, r.Register(Definition{Name: "x", Source: Source("cloud"), Handler: noopHandler}))
	assert.NoError(t, r.Register(def("x", SourceBuiltin, "")))
}

func TestResolveFollowsSourcePrecedence(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(def("search", SourceMCP, "srv-a")))
	require.NoError(t, r.Register(def("search", SourcePlugin, "plug-a")))

	got, ok := r.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, SourcePlugin, got.Source, "plugin must shadow mcp")

	require.NoError(t, r.Register(def("search", SourceBuiltin, "")))
	got, ok = r.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, SourceBuiltin, got.Source, "builtin must shadow plugin and mcp")

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}

func TestCollisionRecordsWarning(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(def("fetch", SourceBuiltin, "")))
	require.NoError(t, r.Register(def("fetch", SourceMCP, "srv-a")))

	warnings := r.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "fetch")
	assert.Contains(t, warnings[0], "mcp/srv-a")
}

func TestLastRegistrationWinsWithinSource(t *testing.T) {
	r := NewRegistry()
	first := def("search", SourcePlugin, "plug-a")
	second := def("search", SourcePlugin, "plug-b")
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	got, ok := r.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "plug-b", got.Origin)
	assert.Len(t, r.Warnings(), 1)
}

func TestRemoveOrigin(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(def("a", SourceMCP, "srv-1")))
	require.NoError(t, r.Register(def("b", SourceMCP, "srv-1")))
	require.NoError(t, r.Register(def("c", SourceMCP, "srv-2")))

	r.RemoveOrigin(SourceMCP, "srv-1")

	_, ok := r.Resolve("a")
	assert.False(t, ok)
	_, ok = r.Resolve("b")
	assert.False(t, ok)
	_, ok = r.Resolve("c")
	assert.True(t, ok)
}

func TestDefinitionsExcludeShadowed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(def("beta", SourceMCP, "srv-a")))
	require.NoError(t, r.Register(def("beta", SourceBuiltin, "")))
	require.NoError(t, r.Register(def("alpha", SourcePlugin, "plug-a")))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "beta", defs[1].Name)
	assert.Equal(t, SourceBuiltin, defs[1].Source)
}

func TestSchemaMarksRequiredParams(t *testing.T) {
	d := Definition{
		Name:        "search",
		Description: "search the index",
		Params: map[string]ParamSpec{
			"query": {Type: "string", Required: true},
			"limit": {Type: "integer", Default: 10},
		},
		Handler: noopHandler,
	}

	schema := d.Schema()
	assert.Equal(t, "search", schema.Name)
	assert.Equal(t, []string{"query"}, schema.Parameters["required"])

	props, ok := schema.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	limit, ok := props["limit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10, limit["default"])
}
