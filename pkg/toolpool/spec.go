package toolpool

import (
	"fmt"
	"time"
)

// Kind identifies the transport family used by a ServerSpec.
type Kind string

const (
	// KindCommand spawns a subprocess and speaks MCP over its stdio streams.
	KindCommand Kind = "command"

	// KindURL contacts a remote endpoint over streamable HTTP, falling back
	// once to server-sent events.
	KindURL Kind = "url"
)

// BaseSpec captures settings shared by all spec variants.
type BaseSpec struct {
	// Name uniquely identifies the server within a configuration list.
	Name string

	// Timeout bounds the connect handshake for this server. When zero, the
	// connector's default applies.
	Timeout time.Duration
}

// ServerSpec is the user-authored configuration for one tool server. It is a
// closed union: the only implementations are *CommandSpec and *URLSpec, so
// transport inference happens once where configuration is parsed and the rest
// of the system branches on concrete types.
type ServerSpec interface {
	base() *BaseSpec

	// Kind reports the transport family of the spec.
	Kind() Kind

	// Validate checks that the fields required by the spec's kind are
	// populated, returning a *ValidationError otherwise.
	Validate() error

	// identity returns the connection-identity projection of the spec used
	// for fingerprinting. Fields that do not affect whether a reconnect
	// would be observably different (e.g. Timeout) are excluded.
	identity() identityRecord
}

// identityRecord is the canonical fingerprint projection of a ServerSpec.
// Field order is fixed by the struct definition and map keys are serialized
// in sorted order by encoding/json, so the encoding is deterministic.
type identityRecord struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CommandSpec describes a tool server launched as a local subprocess.
type CommandSpec struct {
	BaseSpec
	Command string
	Args    []string
	Env     map[string]string
}

func (s *CommandSpec) base() *BaseSpec { return &s.BaseSpec }

// Kind returns KindCommand.
func (s *CommandSpec) Kind() Kind { return KindCommand }

// Validate reports whether the spec can be dialled.
func (s *CommandSpec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Reason: "server spec must have a non-empty name"}
	}
	if s.Command == "" {
		return &ValidationError{Server: s.Name, Reason: "command spec requires a non-empty command"}
	}
	return nil
}

func (s *CommandSpec) identity() identityRecord {
	rec := identityRecord{
		Name:    s.Name,
		Kind:    KindCommand,
		Command: s.Command,
	}
	if len(s.Args) > 0 {
		rec.Args = append([]string(nil), s.Args...)
	}
	// Env participates in identity only when non-empty, matching the rule
	// that two fingerprints are equal iff reconnecting would be pointless.
	if len(s.Env) > 0 {
		rec.Env = s.Env
	}
	return rec
}

// URLSpec describes a tool server reachable at a remote endpoint.
type URLSpec struct {
	BaseSpec
	URL string
}

func (s *URLSpec) base() *BaseSpec { return &s.BaseSpec }

// Kind returns KindURL.
func (s *URLSpec) Kind() Kind { return KindURL }

// Validate reports whether the spec can be dialled.
func (s *URLSpec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Reason: "server spec must have a non-empty name"}
	}
	if s.URL == "" {
		return &ValidationError{Server: s.Name, Reason: "url spec requires a non-empty url"}
	}
	return nil
}

func (s *URLSpec) identity() identityRecord {
	return identityRecord{Name: s.Name, Kind: KindURL, URL: s.URL}
}

// KindOf returns the transport kind for a ServerSpec, or the empty string when
// the value is nil.
func KindOf(spec ServerSpec) Kind {
	if spec == nil {
		return ""
	}
	return spec.Kind()
}

// IsCommand reports whether spec is a *CommandSpec.
func IsCommand(spec ServerSpec) bool {
	_, ok := spec.(*CommandSpec)
	return ok
}

// IsURL reports whether spec is a *URLSpec.
func IsURL(spec ServerSpec) bool {
	_, ok := spec.(*URLSpec)
	return ok
}

// AsCommand narrows spec to *CommandSpec, returning (nil, false) when it does
// not match.
func AsCommand(spec ServerSpec) (*CommandSpec, bool) {
	c, ok := spec.(*CommandSpec)
	return c, ok
}

// AsURL narrows spec to *URLSpec, returning (nil, false) when it does not
// match.
func AsURL(spec ServerSpec) (*URLSpec, bool) {
	u, ok := spec.(*URLSpec)
	return u, ok
}

// SpecName returns the configured name of a spec, tolerating nil.
func SpecName(spec ServerSpec) string {
	if spec == nil {
		return ""
	}
	return spec.base().Name
}

// dedupeByName collapses duplicate server names, keeping the position of the
// first occurrence and the value of the last. Duplicates are not rejected;
// last-one-wins is the documented behaviour.
func dedupeByName(specs []ServerSpec) []ServerSpec {
	out := make([]ServerSpec, 0, len(specs))
	index := make(map[string]int, len(specs))
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		name := spec.base().Name
		if at, seen := index[name]; seen {
			out[at] = spec
			continue
		}
		index[name] = len(out)
		out = append(out, spec)
	}
	return out
}

// describeSpec renders a short human-readable summary, used in diagnostics.
func describeSpec(spec ServerSpec) string {
	switch s := spec.(type) {
	case *CommandSpec:
		return fmt.Sprintf("%s (command: %s)", s.Name, s.Command)
	case *URLSpec:
		return fmt.Sprintf("%s (url: %s)", s.Name, s.URL)
	default:
		return SpecName(spec)
	}
}
