// Package sym defines the glyphs recur uses as markers in log fields and CLI output.
// They are stable across the CLI, logs and documentation.
package sym

// Subsystem glyphs.
const (
	AM         = "≡" // am: configuration
	DB         = "⊔" // db: storage and migrations
	Pulse      = "꩜" // pulse: job queue and scheduling
	PulseOpen  = "✿" // pulse startup
	PulseClose = "❀" // pulse shutdown
)

// CommandToSymbol maps each CLI command to its glyph.
var CommandToSymbol = map[string]string{
	"am":    AM,
	"db":    DB,
	"pulse": Pulse,
	"job":   Pulse,
}

// CommandDescriptions are the short help lines shown next to each glyph.
var CommandDescriptions = map[string]string{
	"am":    "Configuration",
	"db":    "Job database",
	"pulse": "Worker pool",
	"job":   "Schedule and inspect recurring jobs",
}

// Decorate prefixes a title with the glyph for command, if it has one.
func Decorate(command, title string) string {
	if s, ok := CommandToSymbol[command]; ok {
		return s + " " + title
	}
	return title
}
