package session

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	model "github.com/zhouzirui/memorial-call/backend/internal/model/session"
)

// SchemaVersion is the record layout written by Encode.
const SchemaVersion = 1

const schemaURL = "https://memorial-call.local/schema/session.v1.json"

//go:embed schema/session.v1.json
var schemaV1 []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

type record struct {
	SchemaVersion int            `json:"schemaVersion"`
	Session       *model.Session `json:"session"`
}

func recordSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaV1)); err != nil {
			schemaErr = fmt.Errorf("add session schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile session schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Encode serialises s under the current schema version.
func Encode(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode session: nil session")
	}
	data, err := json.Marshal(record{SchemaVersion: SchemaVersion, Session: s})
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// Decode parses a stored record. Any record that does not validate against
// the current schema yields an error wrapping model.ErrSerialization.
func Decode(data []byte) (*model.Session, error) {
	schema, err := recordSchema()
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	if rec.SchemaVersion != SchemaVersion || rec.Session == nil {
		return nil, fmt.Errorf("%w: unsupported schema version %d", model.ErrSerialization, rec.SchemaVersion)
	}
	return rec.Session, nil
}
