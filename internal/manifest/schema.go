package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaLoader     gojsonschema.JSONLoader
	schemaLoaderErr  error
	schemaLoaderOnce sync.Once
)

// Schema returns the manifest JSON schema as a generic map.
func Schema() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(schemaJSON, &out); err != nil {
		return nil, fmt.Errorf("manifest: decode schema: %w", err)
	}
	return out, nil
}

func loadSchema() (gojsonschema.JSONLoader, error) {
	schemaLoaderOnce.Do(func() {
		schemaMap, err := Schema()
		if err != nil {
			schemaLoaderErr = err
			return
		}
		schemaLoader = gojsonschema.NewGoLoader(schemaMap)
	})
	if schemaLoaderErr != nil {
		return nil, schemaLoaderErr
	}
	return schemaLoader, nil
}

// validate checks a decoded manifest document and returns one issue per violation, each
// naming the offending key.
func validate(doc map[string]any) ([]string, error) {
	loader, err := loadSchema()
	if err != nil {
		return nil, err
	}
	result, err := gojsonschema.Validate(loader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("manifest: schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := strings.TrimPrefix(desc.Field(), "(root).")
		issues = append(issues, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	sort.Strings(issues)
	return issues, nil
}
