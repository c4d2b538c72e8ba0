package dispatch

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"wamator/internal/model"
)

//go:embed job.schema.json
var jobSchemaJSON []byte

var jobSchema = mustCompile(jobSchemaJSON)

func mustCompile(data []byte) *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile(data)
	if err != nil {
		panic(fmt.Sprintf("compile job schema: %v", err))
	}
	return schema
}

// decodeJob parses a queue body. A body that is JSON but violates the schema is
// returned alongside the error, so the caller can still fail its row.
func decodeJob(body []byte) (model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return model.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if result := jobSchema.ValidateJSON(body); !result.IsValid() {
		return job, fmt.Errorf("invalid job: %s", describe(result.Errors))
	}
	if job.Type == "" {
		job.Type = model.MessageText
	}
	return job, nil
}

func describe[E any](errs map[string]E) string {
	parts := make([]string, 0, len(errs))
	for field, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %v", field, e))
	}
	return strings.Join(parts, "; ")
}
