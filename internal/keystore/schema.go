package keystore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

const (
	storeSchemaURL  = "https://keyring.local/schemas/keys.json"
	exportSchemaURL = "https://keyring.local/schemas/export.json"
)

const storeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "encrypted_data", "checksum", "created_at", "metadata"],
  "properties": {
    "version": { "const": 1 },
    "encrypted_data": { "type": "string", "minLength": 1 },
    "checksum": { "type": "string", "minLength": 1 },
    "created_at": { "type": "integer", "minimum": 0 },
    "metadata": {
      "type": "object",
      "required": ["key_id", "key_count", "last_modified", "schema_version"],
      "properties": {
        "key_id": { "type": "string" },
        "key_count": { "type": "integer", "minimum": 0 },
        "last_modified": { "type": "integer", "minimum": 0 },
        "schema_version": { "const": 1 }
      }
    }
  }
}`

const exportSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "exported_at", "encrypted_data"],
  "properties": {
    "version": { "const": 1 },
    "exported_at": { "type": "integer", "minimum": 0 },
    "encrypted_data": { "type": "string", "minLength": 1 }
  }
}`

var (
	schemasOnce  sync.Once
	storeSchema  *jsonschema.Schema
	exportSchema *jsonschema.Schema
	schemasErr   error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	for url, src := range map[string]string{storeSchemaURL: storeSchemaJSON, exportSchemaURL: exportSchemaJSON} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemasErr = fmt.Errorf("unmarshal schema %s: %w", url, err)
			return
		}
		if err := c.AddResource(url, doc); err != nil {
			schemasErr = fmt.Errorf("add schema resource %s: %w", url, err)
			return
		}
	}
	if storeSchema, schemasErr = c.Compile(storeSchemaURL); schemasErr != nil {
		return
	}
	exportSchema, schemasErr = c.Compile(exportSchemaURL)
}

// validateFile checks raw file contents against the store or export schema.
func validateFile(op, path string, data []byte, export bool) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return fmt.Errorf("compile file schemas: %w", schemasErr)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return kerrors.New(kerrors.KindFormat, op, kerrors.ErrInvalidFormat).WithPath(path).WithDetail("invalid json")
	}

	s := storeSchema
	if export {
		s = exportSchema
	}
	if err := s.Validate(doc); err != nil {
		return kerrors.New(kerrors.KindFormat, op, kerrors.ErrInvalidFormat).WithPath(path).WithDetail("%v", err)
	}
	return nil
}
