// Package capability computes the merged view of tools, resources and
// prompts across every connected backend (spec §4.3) and the concatenated
// instruction text derived from the same ready set (spec §4.4).
package capability

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolDescriptor is a tool as exposed in a snapshot, carrying the backend it
// came from so the router can translate a call back to an outbound one.
type ToolDescriptor struct {
	Tool   mcp.Tool
	Origin string
}

// ResourceDescriptor is a resource as exposed in a snapshot.
type ResourceDescriptor struct {
	Resource mcp.Resource
	Origin   string
}

// PromptDescriptor is a prompt as exposed in a snapshot.
type PromptDescriptor struct {
	Prompt mcp.Prompt
	Origin string
}

// Snapshot is the deterministic, deduplicated merge of every ready
// backend's capabilities, computed by Aggregator.Refresh.
type Snapshot struct {
	Tools         []ToolDescriptor
	Resources     []ResourceDescriptor
	Prompts       []PromptDescriptor
	ReadyBackends []string
}

// ToolOrigin looks up which backend contributed name, returning ("", false)
// if not found.
func (s Snapshot) ToolOrigin(name string) (string, bool) {
	for _, t := range s.Tools {
		if t.Tool.Name == name {
			return t.Origin, true
		}
	}
	return "", false
}

func (s Snapshot) ResourceOrigin(uri string) (string, bool) {
	for _, r := range s.Resources {
		if r.Resource.URI == uri {
			return r.Origin, true
		}
	}
	return "", false
}

func (s Snapshot) PromptOrigin(name string) (string, bool) {
	for _, p := range s.Prompts {
		if p.Prompt.Name == name {
			return p.Origin, true
		}
	}
	return "", false
}

// Changes is the diff between two consecutive snapshots (spec §4.3 step 6).
type Changes struct {
	ToolsChanged     bool
	ResourcesChanged bool
	PromptsChanged   bool
	AddedBackends    []string
	RemovedBackends  []string
}

// HasChanges reports whether anything in the diff is non-trivial.
func (c Changes) HasChanges() bool {
	return c.ToolsChanged || c.ResourcesChanged || c.PromptsChanged ||
		len(c.AddedBackends) > 0 || len(c.RemovedBackends) > 0
}

// Diff computes the changes between two snapshots per spec §4.3 step 6:
// name/URI lists are compared after sorting, so reordering alone is not a
// change.
func Diff(prev, next Snapshot) Changes {
	return Changes{
		ToolsChanged:     !sameNames(toolNames(prev.Tools), toolNames(next.Tools)),
		ResourcesChanged: !sameNames(resourceURIs(prev.Resources), resourceURIs(next.Resources)),
		PromptsChanged:   !sameNames(promptNames(prev.Prompts), promptNames(next.Prompts)),
		AddedBackends:    setDiff(next.ReadyBackends, prev.ReadyBackends),
		RemovedBackends:  setDiff(prev.ReadyBackends, next.ReadyBackends),
	}
}

func toolNames(d []ToolDescriptor) []string {
	out := make([]string, len(d))
	for i, t := range d {
		out[i] = t.Tool.Name
	}
	return out
}

func resourceURIs(d []ResourceDescriptor) []string {
	out := make([]string, len(d))
	for i, r := range d {
		out[i] = r.Resource.URI
	}
	return out
}

func promptNames(d []PromptDescriptor) []string {
	out := make([]string, len(d))
	for i, p := range d {
		out[i] = p.Prompt.Name
	}
	return out
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// setDiff returns elements of a not present in b.
func setDiff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, x := range b {
		inB[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, ok := inB[x]; !ok {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
