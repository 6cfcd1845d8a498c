// Package kind describes the entity kinds the sync server accepts and how
// their payloads are validated.
package kind

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/herdsync/internal/validation"
	"github.com/hyperengineering/herdsync/pkg/syncapi"
)

// Kind provides kind-specific behavior for uploaded records.
type Kind interface {
	// Name returns the kind identifier (e.g., "animals").
	Name() string

	// ParentField returns the payload field referencing the parent entity,
	// or "" for root kinds.
	ParentField() string

	// Validate checks the payload of an uploaded record. The payload has
	// already been checked to be a JSON object.
	Validate(payload json.RawMessage) []validation.ValidationError
}

// Schema is a declarative Kind: a set of required string fields plus
// optional numeric fields constrained to [0, 1].
type Schema struct {
	KindName  string
	Parent    string
	Required  []string
	Fractions []string
}

// Name implements Kind.
func (s Schema) Name() string { return s.KindName }

// ParentField implements Kind.
func (s Schema) ParentField() string { return s.Parent }

// Validate implements Kind.
func (s Schema) Validate(payload json.RawMessage) []validation.ValidationError {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return []validation.ValidationError{{Field: "payload", Message: "must be a JSON object"}}
	}

	c := &validation.Collector{}
	for _, name := range s.Required {
		v, _ := fields[name].(string)
		c.Add(validation.ValidateRequired("payload."+name, v))
	}
	for _, name := range s.Fractions {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		f, isNum := raw.(float64)
		if !isNum || f < 0 || f > 1 {
			c.Add(&validation.ValidationError{
				Field:   "payload." + name,
				Message: fmt.Sprintf("must be a number between %.1f and %.1f", 0.0, 1.0),
			})
		}
	}
	return c.Errors()
}

// Builtin returns the kinds of the field application.
func Builtin() []Kind {
	return []Kind{
		Schema{
			KindName:  syncapi.KindAnimals,
			Required:  []string{"breedId"},
			Fractions: []string{"confidence"},
		},
		Schema{
			KindName:  syncapi.KindIdentifications,
			Parent:    syncapi.ParentField(syncapi.KindIdentifications),
			Required:  []string{"animalId", "breedId"},
			Fractions: []string{"confidence"},
		},
		Schema{
			KindName:  syncapi.KindCorrections,
			Parent:    syncapi.ParentField(syncapi.KindCorrections),
			Required:  []string{"correctBreed"},
			Fractions: []string{"confidence"},
		},
		Schema{
			KindName:  syncapi.KindLearning,
			Parent:    syncapi.ParentField(syncapi.KindLearning),
			Required:  []string{"moduleId"},
			Fractions: []string{"progress"},
		},
	}
}
