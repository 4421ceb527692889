package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKnown(t *testing.T) {
	c, ok := Lookup("write_file")
	assert.True(t, ok)
	assert.True(t, c.Confirmable)
	assert.True(t, c.HasDiffPreview)
	assert.Equal(t, RenderDiff, c.Renderer)
}

func TestLookupUnknown(t *testing.T) {
	c, ok := Lookup("launch_missiles")
	assert.False(t, ok)
	assert.False(t, c.Confirmable)
	assert.False(t, Destructive("launch_missiles"))
	assert.False(t, Confirmable("launch_missiles"))
}

func TestRunCommandConfirmsWithoutDiff(t *testing.T) {
	assert.True(t, Confirmable("run_command"))
	assert.False(t, Destructive("run_command"))
}

func TestReadOnlyToolsAreInert(t *testing.T) {
	for _, name := range []string{"read_file", "list_files", "web_search"} {
		assert.False(t, Confirmable(name), name)
		assert.False(t, Destructive(name), name)
	}
}

func TestNamesCoversTable(t *testing.T) {
	names := Names()
	assert.Len(t, names, 7)
	assert.Contains(t, names, "edit_file")
}
