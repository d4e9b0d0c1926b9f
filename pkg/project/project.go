// Package project reads persisted project records.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/grovetools/preview/command"
	"github.com/grovetools/preview/errors"
	"github.com/grovetools/preview/pkg/filetree"
	"github.com/grovetools/preview/schema"
	"github.com/invopop/jsonschema"
)

// Message is one persisted chat message.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role" jsonschema:"enum=user,enum=assistant,enum=system"`
	Content   string `json:"content"`
	Cancelled bool   `json:"cancelled,omitempty"`
	CreatedAt string `json:"createdAt,omitempty" jsonschema:"format=date-time"`
}

// Record is a saved project: generated files overlaid on the kit named by
// SelectedKitID, plus its chat history.
type Record struct {
	ID            string        `json:"id" jsonschema:"minLength=1"`
	Name          string        `json:"name"`
	Files         filetree.Tree `json:"files"`
	Messages      []Message     `json:"messages,omitempty"`
	SelectedKitID string        `json:"selectedKitId,omitempty"`
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// GenerateSchema returns the JSON Schema of a project record.
func GenerateSchema() ([]byte, error) {
	treeType := reflect.TypeOf(filetree.Tree{})
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		// The wire form of a tree is recursive; only its outer shape is checked.
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == treeType {
				return &jsonschema.Schema{Type: "object"}
			}
			return nil
		},
	}
	s := r.Reflect(&Record{})
	s.Title = "Grove Preview Project"
	s.Version = "http://json-schema.org/draft-07/schema#"
	return json.MarshalIndent(s, "", "  ")
}

func recordValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			validatorErr = err
			return
		}
		validator, validatorErr = schema.NewValidator("project.schema.json", data)
	})
	return validator, validatorErr
}

// Decode validates and parses a project record.
func Decode(data []byte) (*Record, error) {
	v, err := recordValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build project schema")
	}
	if err := v.ValidateJSON(data); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProjectInvalid, "project record does not match schema")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProjectInvalid, "failed to parse project record")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate checks the record's id is usable as a workspace name.
func (r *Record) Validate() error {
	if err := command.NewSafeBuilder().Validate("projectID", r.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeProjectInvalid, "invalid project id")
	}
	if r.Files == nil {
		r.Files = filetree.Tree{}
	}
	return nil
}

// Load reads a record from path.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read project record")
	}
	return Decode(data)
}

// Store reads records from a directory of <id>.json files.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Get loads the record with id.
func (s *Store) Get(id string) (*Record, error) {
	if err := command.NewSafeBuilder().Validate("projectID", id); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid project id")
	}
	rec, err := Load(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		return nil, errors.New(errors.ErrCodeProjectInvalid, "project record id does not match its file").
			WithDetail("file", id).
			WithDetail("id", rec.ID)
	}
	return rec, nil
}
