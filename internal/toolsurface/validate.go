package toolsurface

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// compiledSchema wraps a compiled JSON Schema for one tool's arguments.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a JSON Schema document, addressed internally by the
// tool's name so compile errors are attributable.
func compileSchema(name, schemaJSON string) (*compiledSchema, error) {
	compiler := jsonschema.NewCompiler()
	resourceURL := "tool://" + name + "/args.json"
	if err := compiler.AddResource(resourceURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, loxerr.Wrap(loxerr.KindConfigInvalid, "compiling schema for tool "+name, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, loxerr.Wrap(loxerr.KindConfigInvalid, "compiling schema for tool "+name, err)
	}
	return &compiledSchema{schema: schema}, nil
}

// Validate decodes args as generic JSON and checks it against the schema.
func (c *compiledSchema) Validate(args json.RawMessage) error {
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return loxerr.Wrap(loxerr.KindInvalidInput, "decoding tool arguments", err)
	}
	if err := c.schema.Validate(v); err != nil {
		return loxerr.Wrap(loxerr.KindInvalidInput, "tool arguments failed schema validation", err)
	}
	return nil
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// validUUID checks the 36-char Loxone UUID form (SPEC_FULL.md §8 "Boundary
// behavior: UUID length exactly 36").
func validUUID(s string) bool {
	return len(s) == 36 && uuidPattern.MatchString(s)
}

// nonEmptyRoomName rejects the empty string per §8 "empty room name rejected".
func nonEmptyRoomName(s string) bool {
	return strings.TrimSpace(s) != ""
}

// inRange validates a numeric value against an inclusive [min, max] bound,
// e.g. brightness ∈ [0,100] (SPEC_FULL.md §4.7).
func inRange(v, min, max float64) bool {
	return v >= min && v <= max
}

// cleanCommand rejects command strings carrying control bytes
// (SPEC_FULL.md §8 "command string with control bytes rejected").
func cleanCommand(s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return loxerr.New(loxerr.KindInvalidInput, fmt.Sprintf("command %q contains a control byte", s))
		}
	}
	if s == "" {
		return loxerr.New(loxerr.KindInvalidInput, "command must not be empty")
	}
	return nil
}
