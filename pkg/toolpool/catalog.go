package toolpool

// Catalog is a read-only aggregated view over a set of server connections,
// captured as a snapshot by Pool.Catalog. Tools are exposed by bare name, no
// server prefix: when two servers advertise the same tool name, the server
// earlier in pool order wins and no ambiguity error is raised.
type Catalog struct {
	conns []*ServerConnection
}

// Empty reports whether the catalogue holds no connections at all
// (as opposed to connections that happen to advertise zero tools).
func (c *Catalog) Empty() bool { return len(c.conns) == 0 }

// Servers returns the connection names in pool order.
func (c *Catalog) Servers() []string {
	out := make([]string, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn.Name())
	}
	return out
}

// Tools returns the flattened tool list across all connections, in pool
// order. Duplicated names are listed once, keeping the first occurrence to
// match Resolve.
func (c *Catalog) Tools() []ToolDescriptor {
	var out []ToolDescriptor
	seen := make(map[string]struct{})
	for _, conn := range c.conns {
		for _, tool := range conn.tools {
			if _, dup := seen[tool.Name]; dup {
				continue
			}
			seen[tool.Name] = struct{}{}
			out = append(out, tool)
		}
	}
	return out
}

// Resolve maps a tool name to the connection that owns it: the first match in
// pool iteration order.
func (c *Catalog) Resolve(tool string) (*ServerConnection, bool) {
	for _, conn := range c.conns {
		if conn.hasTool(tool) {
			return conn, true
		}
	}
	return nil, false
}
