// Package contracts embeds the OpenAPI contract and exposes it as a parsed
// document for request validation and docs serving.
package contracts

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed roster.yaml
var rosterSpec []byte

// GetSwagger parses the embedded roster contract.
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()

	spec, err := loader.LoadFromData(rosterSpec)
	if err != nil {
		return nil, fmt.Errorf("parse roster contract: %w", err)
	}
	if err := spec.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate roster contract: %w", err)
	}
	return spec, nil
}
