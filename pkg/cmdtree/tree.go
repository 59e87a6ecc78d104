// Package cmdtree defines the canonical CLI command tree for ipprov.
//
// This is the single source of truth for the commands understood by
// ipprovctl: tab completion, ? help, and command dispatch all derive
// from the tree defined here.
package cmdtree

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Node defines a completion tree node with description, children, and
// optional dynamic values (typically configured interface names).
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(ifaces []string) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

// ifaceValues completes with the configured interface names.
func ifaceValues(ifaces []string) []string { return ifaces }

// OperationalTree defines tab completion for the ipprovctl shell.
var OperationalTree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status": {Desc: "Show daemon status"},
		"interfaces": {Desc: "Show per-interface provisioning state",
			DynamicFn: ifaceValues},
		"leases": {Desc: "Show DHCPv4 leases",
			DynamicFn: ifaceValues},
		"prefixes": {Desc: "Show delegated IPv6 prefixes",
			DynamicFn: ifaceValues},
		"neighbors": {Desc: "Show monitored neighbors",
			DynamicFn: ifaceValues},
		"counters": {Desc: "Show per-session counters",
			DynamicFn: ifaceValues},
		"events": {Desc: "Show recent events [N]"},
	}},
	"monitor": {Desc: "Stream live output", Children: map[string]*Node{
		"events": {Desc: "Stream events as they happen",
			DynamicFn: ifaceValues},
	}},
	"session": {Desc: "Control a provisioning session", Children: map[string]*Node{
		"start": {Desc: "Start provisioning on an interface",
			DynamicFn: ifaceValues},
		"stop": {Desc: "Stop provisioning on an interface",
			DynamicFn: ifaceValues},
		"confirm": {Desc: "Confirm the applied configuration",
			DynamicFn: ifaceValues},
	}},
	"quit": {Desc: "Exit the shell"},
	"exit": {Desc: "Exit the shell"},
	"help": {Desc: "Show available commands"},
}

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// CompleteFromTree walks the tree to find completion candidates for the given words and partial.
func CompleteFromTree(tree map[string]*Node, words []string, partial string, ifaces []string) []string {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// Word not in static children; if parent has DynamicFn,
			// treat as a dynamic value and stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil {
				return FilterPrefix(node.DynamicFn(ifaces), partial)
			}
			return nil
		}
		current = node.Children
	}
	candidates := KeysOf(current)
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil {
		candidates = append(candidates, currentNode.DynamicFn(ifaces)...)
	}
	return FilterPrefix(candidates, partial)
}

// CompleteFromTreeWithDesc walks the tree returning name+description pairs.
func CompleteFromTreeWithDesc(tree map[string]*Node, words []string, partial string, ifaces []string) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			// Word not in static children; if parent has DynamicFn,
			// treat as a dynamic value and stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil {
				var candidates []Candidate
				for _, name := range node.DynamicFn(ifaces) {
					if strings.HasPrefix(name, partial) {
						candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
					}
				}
				return candidates
			}
			return nil
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil {
		for _, name := range currentNode.DynamicFn(ifaces) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(configured)"})
			}
		}
	}
	return candidates
}

// LookupDesc finds the description for a candidate name given the command path words.
func LookupDesc(words []string, name string) string {
	current := OperationalTree
	var currentNode *Node
	for _, w := range words {
		node, ok := current[w]
		if !ok {
			// Dynamic value; skip but stay at same children level.
			if currentNode != nil && currentNode.DynamicFn != nil {
				continue
			}
			return ""
		}
		currentNode = node
		if node.Children == nil {
			return ""
		}
		current = node.Children
	}
	if node, ok := current[name]; ok {
		return node.Desc
	}
	return ""
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// PrintTreeHelp prints self-generating help from a tree path.
func PrintTreeHelp(header string, tree map[string]*Node, path ...string) {
	fmt.Println(header)
	current := tree
	for _, p := range path {
		node, ok := current[p]
		if !ok {
			return
		}
		if node.Children == nil {
			return
		}
		current = node.Children
	}
	WriteHelp(os.Stdout, HelpCandidates(current))
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// KeysOf returns an unsorted list of keys from a Node map.
func KeysOf(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// FilterPrefix returns only items that start with the given prefix.
func FilterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	var result []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	return result
}
