// Package tools holds the closed capability table for tool invocations. The
// set is fixed at compile time; an unknown tool name resolves to a zero
// capability, never to dynamic behavior.
package tools

// Renderer selects how a tool invocation is summarized at the protocol
// boundary.
type Renderer string

const (
	RenderDefault Renderer = "default"
	RenderDiff    Renderer = "diff"
	RenderShell   Renderer = "shell"
)

// Capability describes what the core must do around one tool.
type Capability struct {
	Name string
	// Confirmable tools gate on a user decision before the conversation
	// resumes.
	Confirmable bool
	// HasDiffPreview tools stage their output as a pending diff.
	HasDiffPreview bool
	Renderer       Renderer
}

var table = map[string]Capability{
	"write_file":  {Name: "write_file", Confirmable: true, HasDiffPreview: true, Renderer: RenderDiff},
	"edit_file":   {Name: "edit_file", Confirmable: true, HasDiffPreview: true, Renderer: RenderDiff},
	"apply_diff":  {Name: "apply_diff", Confirmable: true, HasDiffPreview: true, Renderer: RenderDiff},
	"read_file":   {Name: "read_file", Renderer: RenderDefault},
	"list_files":  {Name: "list_files", Renderer: RenderDefault},
	"run_command": {Name: "run_command", Confirmable: true, Renderer: RenderShell},
	"web_search":  {Name: "web_search", Renderer: RenderDefault},
}

// Lookup returns the capability for a tool name. ok is false for names
// outside the table; callers treat those as inert.
func Lookup(name string) (Capability, bool) {
	c, ok := table[name]
	return c, ok
}

// Destructive reports whether a tool modifies files and therefore
// participates in the diff confirmation flow.
func Destructive(name string) bool {
	c, ok := table[name]
	return ok && c.HasDiffPreview
}

// Confirmable reports whether a tool requires a user decision at all,
// diff-backed or not.
func Confirmable(name string) bool {
	c, ok := table[name]
	return ok && c.Confirmable
}

// Names returns every known tool name. Order is unspecified.
func Names() []string {
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	return out
}
