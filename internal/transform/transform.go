// Package transform applies named text transformations to user input before
// it becomes a turn: whitespace cleanup, fixed prefixes and suffixes.
// Profiles reference transformers by name; unknown names are rejected when
// the profile loads, not at chat time.
package transform

import (
	"fmt"
	"strings"
)

// Spec is one transformation entry from a profile.
type Spec struct {
	Name string            `yaml:"name" json:"name"`
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Func rewrites input text using the args from its spec.
type Func func(text string, args map[string]string) string

var registry = map[string]Func{
	"cleanup_whitespace": cleanupWhitespace,
	"prepend_prefix":     prependPrefix,
	"append_suffix":      appendSuffix,
}

func cleanupWhitespace(text string, _ map[string]string) string {
	return strings.Join(strings.Fields(text), " ")
}

func prependPrefix(text string, args map[string]string) string {
	return args["prefix"] + text
}

func appendSuffix(text string, args map[string]string) string {
	return text + args["suffix"]
}

// Chain compiles specs into a single function applying them in order. It
// fails on the first unknown transformer name.
func Chain(specs []Spec) (func(string) string, error) {
	type step struct {
		fn   Func
		args map[string]string
	}
	steps := make([]step, 0, len(specs))
	for _, s := range specs {
		fn, ok := registry[s.Name]
		if !ok {
			return nil, fmt.Errorf("unknown input transformer %q", s.Name)
		}
		steps = append(steps, step{fn: fn, args: s.Args})
	}
	return func(text string) string {
		for _, st := range steps {
			text = st.fn(text, st.args)
		}
		return text
	}, nil
}
