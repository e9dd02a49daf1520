package mcp

// Template is a pre-parameterized MCPServerDef shape the GUI uses to seed
// new entries (spec §4.G). Kept separate from ServerDef because a template
// is a shape to fill in (e.g. a filesystem root path), not a ready-to-run
// definition.
type Template struct {
	Name        string
	Type        ServerType
	Command     string
	Args        []string
	URL         string
	Description string
}

// builtinTemplates is declared as a slice, not a map, in declaration order
// (DESIGN.md Open Question 2): the source data defines "filesystem" twice,
// and LoadTemplates below treats the later definition as authoritative
// while flagging the duplicate, rather than guessing which was intended.
var builtinTemplates = []Template{
	{Name: "filesystem", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-filesystem"}, Description: "Local filesystem access"},
	{Name: "git", Type: TypeStdio, Command: "uvx", Args: []string{"mcp-server-git"}, Description: "Git repository operations"},
	{Name: "sqlite", Type: TypeStdio, Command: "uvx", Args: []string{"mcp-server-sqlite"}, Description: "SQLite database access"},
	{Name: "github", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-github"}, Description: "GitHub repository and issue access"},
	{Name: "slack", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-slack"}, Description: "Slack workspace access"},
	{Name: "brave-search", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-brave-search"}, Description: "Brave web search"},
	{Name: "memory", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-memory"}, Description: "Persistent key-value memory"},
	{Name: "remote", Type: TypeRemote, Description: "Generic remote MCP endpoint"},
	// Duplicate "filesystem" entry present in the upstream catalog this was
	// distilled from; kept to preserve the data-quality warning behavior
	// rather than silently deduping on load.
	{Name: "filesystem", Type: TypeStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-filesystem", "--readonly"}, Description: "Local filesystem access (read-only)"},
}

// LoadTemplates returns the built-in catalog plus any duplicate-name
// warnings found, one per name appearing more than once.
func LoadTemplates() ([]Template, []string) {
	seen := map[string]int{}
	for _, t := range builtinTemplates {
		seen[t.Name]++
	}
	var warnings []string
	for name, count := range seen {
		if count > 1 {
			warnings = append(warnings, "data-quality: MCP template \""+name+"\" is defined more than once; using the last definition")
		}
	}
	return builtinTemplates, warnings
}

// TemplateByName returns the LAST matching entry for name (DESIGN.md Open
// Question 2's "later definition is authoritative" decision).
func TemplateByName(name string) (Template, bool) {
	var found Template
	ok := false
	for _, t := range builtinTemplates {
		if t.Name == name {
			found = t
			ok = true
		}
	}
	return found, ok
}
