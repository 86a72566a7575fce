package models

import (
	"encoding/json"
	"strings"
)

// ActionDefinition describes one invocable action contributed by a pack
type ActionDefinition struct {
	Name           string          `json:"name"`
	Scope          string          `json:"scope"`
	Description    string          `json:"description,omitempty"`
	ParamsSchema   json.RawMessage `json:"params_schema,omitempty"`
	SupportsDryRun bool            `json:"supports_dry_run"`

	// ReadOnly declares the action side-effect free. Anything not declared
	// read-only is treated as a mutation.
	ReadOnly bool `json:"read_only"`

	// CeilingResource names the tenant quota this action consumes, if any
	CeilingResource string `json:"-"`
}

// Mutating reports whether the action may change persisted state
func (d *ActionDefinition) Mutating() bool {
	return !d.ReadOnly
}

// Namespace returns the pack prefix of the action name ("x" for "x.create")
func (d *ActionDefinition) Namespace() string {
	if i := strings.LastIndex(d.Name, "."); i > 0 {
		return d.Name[:i]
	}
	return ""
}

// Verb returns the last dot-separated segment of the action name
func (d *ActionDefinition) Verb() string {
	if i := strings.LastIndex(d.Name, "."); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// ActionDescriptor is the public view of an action returned by discovery
type ActionDescriptor struct {
	Name           string          `json:"name"`
	Pack           string          `json:"pack"`
	Scope          string          `json:"scope"`
	Description    string          `json:"description,omitempty"`
	ParamsSchema   json.RawMessage `json:"params_schema,omitempty"`
	SupportsDryRun bool            `json:"supports_dry_run"`
	ReadOnly       bool            `json:"read_only"`
}
