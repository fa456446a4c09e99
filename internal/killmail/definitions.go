package killmail

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

//go:embed definitions.json
var defaultDefinitionsJSON []byte

// Definitions maps robot definition codes to display names. It is loaded
// once at startup and only read afterwards.
type Definitions map[int]string

// Name returns the display name for code. Unknown codes render as "#code"
// and a zero code as "Unknown robot".
func (d Definitions) Name(code int) string {
	if name, ok := d[code]; ok && name != "" {
		return name
	}
	if code == 0 {
		return "Unknown robot"
	}
	return "#" + strconv.Itoa(code)
}

// DefaultDefinitions returns the built-in definition table.
func DefaultDefinitions() Definitions {
	defs, err := parseDefinitions(defaultDefinitionsJSON)
	if err != nil {
		// The embedded table is part of the build.
		panic(fmt.Sprintf("embedded definitions: %v", err))
	}
	return defs
}

// LoadDefinitions returns the built-in table extended by the JSON object at
// path ({"<code>": "<name>", ...}). Entries in the file win. An empty path
// returns the built-in table.
func LoadDefinitions(path string) (Definitions, error) {
	defs := DefaultDefinitions()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions file: %w", err)
	}
	extra, err := parseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("parsing definitions file: %w", err)
	}
	for code, name := range extra {
		defs[code] = name
	}
	return defs, nil
}

func parseDefinitions(data []byte) (Definitions, error) {
	var defs map[int]string
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	if defs == nil {
		defs = map[int]string{}
	}
	return Definitions(defs), nil
}
