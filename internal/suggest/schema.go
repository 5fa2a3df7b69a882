package suggest

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed candidate.schema.json
var candidateSchemaJSON string

const candidateSchemaURL = "https://replan.local/schema/candidates.json"

// candidateSchema is compiled once; the embedded document is fixed at build time.
var candidateSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(candidateSchemaURL, strings.NewReader(candidateSchemaJSON)); err != nil {
		panic(fmt.Sprintf("suggest: add schema resource: %v", err))
	}
	schema, err := compiler.Compile(candidateSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("suggest: compile schema: %v", err))
	}
	return schema
}

// validateShape checks the decoded reply against the candidate schema and
// converts every leaf validation error into an Issue.
func validateShape(v any) []Issue {
	err := candidateSchema.Validate(v)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Row: -1, Message: err.Error()}}
	}
	var issues []Issue
	collectSchemaIssues(&issues, ve)

	// anyOf reports one leaf per branch; keep the first per location.
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, is := range issues {
		key := strconv.Itoa(is.Row) + "/" + is.Field
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, is)
	}
	return out
}

func collectSchemaIssues(issues *[]Issue, err *jsonschema.ValidationError) {
	if err == nil {
		return
	}
	if len(err.Causes) == 0 {
		row, field := splitInstanceLocation(err.InstanceLocation)
		*issues = append(*issues, Issue{Row: row, Field: field, Message: err.Message})
		return
	}
	for _, cause := range err.Causes {
		collectSchemaIssues(issues, cause)
	}
}

// splitInstanceLocation maps a JSON pointer such as "/3/priority" to (3, "priority").
// The root location yields row -1.
func splitInstanceLocation(ptr string) (int, string) {
	ptr = strings.TrimPrefix(strings.TrimPrefix(ptr, "#"), "/")
	if ptr == "" {
		return -1, ""
	}
	parts := strings.SplitN(ptr, "/", 2)
	row, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1, ptr
	}
	if len(parts) == 1 {
		return row, ""
	}
	return row, parts[1]
}
