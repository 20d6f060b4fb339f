package toolpool

import "os/exec"

// ExecResolver resolves a configured command name to the executable path that
// should actually be spawned. Implementations are best-effort: when no better
// path can be found, Resolve returns its input unchanged.
//
// Desktop hosts typically install a resolver that also searches user-local
// tool directories (npm prefixes, version-manager shims) that are absent from
// the inherited PATH of a GUI process.
type ExecResolver interface {
	Resolve(command string) string
}

// lookPathResolver resolves through exec.LookPath.
type lookPathResolver struct{}

func (lookPathResolver) Resolve(command string) string {
	if path, err := exec.LookPath(command); err == nil {
		return path
	}
	return command
}

// DefaultResolver is the resolver used when a TransportConnector has none
// configured.
var DefaultResolver ExecResolver = lookPathResolver{}

// ResolverFunc adapts a plain function to the ExecResolver interface.
type ResolverFunc func(command string) string

// Resolve calls f.
func (f ResolverFunc) Resolve(command string) string { return f(command) }
