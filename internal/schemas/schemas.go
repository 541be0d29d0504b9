// Package schemas embeds the canonical JSON Schemas that gate oracle
// output. Extractor and planner responses must validate against these
// exact documents before they are trusted.
package schemas

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed extractor_v1.json
var extractorV1 []byte

//go:embed planner_v1.json
var plannerV1 []byte

var (
	once       sync.Once
	extractor  *jsonschema.Schema
	planner    *jsonschema.Schema
	compileErr error
)

func compile() {
	extractor, compileErr = jsonschema.CompileString("extractor_v1.json", string(extractorV1))
	if compileErr != nil {
		return
	}
	planner, compileErr = jsonschema.CompileString("planner_v1.json", string(plannerV1))
}

// ExtractorSchema returns the raw extractor_v1 schema document.
func ExtractorSchema() json.RawMessage { return json.RawMessage(extractorV1) }

// PlannerSchema returns the raw planner_v1 schema document.
func PlannerSchema() json.RawMessage { return json.RawMessage(plannerV1) }

// ValidateExtractor checks raw oracle output against extractor_v1.
func ValidateExtractor(raw json.RawMessage) error {
	return validate(raw, func() *jsonschema.Schema { return extractor })
}

// ValidatePlan checks raw oracle output against planner_v1.
func ValidatePlan(raw json.RawMessage) error {
	return validate(raw, func() *jsonschema.Schema { return planner })
}

func validate(raw json.RawMessage, pick func() *jsonschema.Schema) error {
	once.Do(compile)
	if compileErr != nil {
		return fmt.Errorf("compile schemas: %w", compileErr)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode oracle output: %w", err)
	}
	return pick().Validate(decoded)
}
