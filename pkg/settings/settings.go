// Package settings parses user-editable tool server configuration into the
// tagged-union specs consumed by toolpool. Transport-kind inference (does
// this entry describe a local command or a remote URL?) happens exactly
// once, here at the boundary; the rest of the system only ever sees a
// concrete *toolpool.CommandSpec or *toolpool.URLSpec.
//
// The on-disk format is a YAML document:
//
//	servers:
//	  - name: filesystem
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
//	    env:
//	      LOG_LEVEL: warn
//	  - name: docs
//	    url: https://example.com/mcp
//	    timeout: 15s
//
// The same Server shape doubles as the JSON payload accepted by the
// diagnostics HTTP service.
package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opalchat/mcp-toolpool/pkg/toolpool"
)

// Server is one entry of the user's server list. Exactly one of Command or
// URL must be populated; Type is optional and inferred from whichever field
// is present.
type Server struct {
	Name    string            `yaml:"name" json:"name"`
	Type    string            `yaml:"type,omitempty" json:"type,omitempty"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// File is the root of the settings document.
type File struct {
	Servers []Server `yaml:"servers" json:"servers"`
}

// Spec converts the entry into its concrete spec variant, inferring the kind
// when Type is absent. Structural problems are reported as
// *toolpool.ValidationError.
func (s Server) Spec() (toolpool.ServerSpec, error) {
	if s.Name == "" {
		return nil, &toolpool.ValidationError{Reason: "server entry is missing a name"}
	}

	kind := toolpool.Kind(s.Type)
	if kind == "" {
		switch {
		case s.Command != "" && s.URL != "":
			return nil, &toolpool.ValidationError{Server: s.Name, Reason: "both command and url are set; specify type to disambiguate"}
		case s.Command != "":
			kind = toolpool.KindCommand
		case s.URL != "":
			kind = toolpool.KindURL
		default:
			return nil, &toolpool.ValidationError{Server: s.Name, Reason: "neither command nor url is set"}
		}
	}

	base := toolpool.BaseSpec{Name: s.Name, Timeout: time.Duration(s.Timeout)}
	switch kind {
	case toolpool.KindCommand:
		spec := &toolpool.CommandSpec{BaseSpec: base, Command: s.Command, Args: s.Args, Env: s.Env}
		return spec, spec.Validate()
	case toolpool.KindURL:
		spec := &toolpool.URLSpec{BaseSpec: base, URL: s.URL}
		return spec, spec.Validate()
	default:
		return nil, &toolpool.ValidationError{Server: s.Name, Reason: fmt.Sprintf("unknown server type %q", s.Type)}
	}
}

// Load reads and parses the settings file at path.
func Load(path string) ([]toolpool.ServerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses a settings document from r. Per-entry validation
// failures are joined into a single error; a document where every entry is
// invalid still returns the (empty) spec list alongside the joined error so
// callers can choose to proceed with partial configuration.
func LoadFromReader(r io.Reader) ([]toolpool.ServerSpec, error) {
	var file File
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: parse: %w", err)
	}
	return Specs(file.Servers)
}

// Specs converts raw entries into specs, collecting per-entry validation
// errors. Valid entries are always returned, even when siblings fail.
func Specs(servers []Server) ([]toolpool.ServerSpec, error) {
	var (
		specs []toolpool.ServerSpec
		errs  []error
	)
	for _, server := range servers {
		spec, err := server.Spec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errors.Join(errs...)
}

// Lint reports advisory diagnostics that are deliberately not errors at
// runtime, currently duplicate server names (which the pool resolves as
// last-one-wins). UIs surface these next to the settings editor.
func Lint(specs []toolpool.ServerSpec) []string {
	var out []string
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		name := toolpool.SpecName(spec)
		if seen[name] {
			out = append(out, fmt.Sprintf("duplicate server name %q: the later entry replaces the earlier one", name))
			continue
		}
		seen[name] = true
	}
	return out
}
