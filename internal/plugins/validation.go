package plugins

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
)

// Validation checks the decoded payload against the route's contract.
// Routes without a schema pass through.
type Validation struct{}

// NewValidation creates the validation stage.
func NewValidation() *Validation { return &Validation{} }

func (p *Validation) Meta() pipeline.Metadata {
	return pipeline.Metadata{
		Name:        "validation",
		Priority:    pipeline.PriorityValidation,
		Description: "per-route payload contract",
	}
}

func (p *Validation) OnRequest(c *pipeline.Context) error {
	if c.Route == nil || c.Route.Schema == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(c.Payload, &value); err != nil {
		return faults.BadPayload("/", "payload is not valid JSON")
	}

	if err := c.Route.Schema.Validate(value); err != nil {
		pointer, reason := "/", err.Error()
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			pointer = "/" + strings.Join(leaf.InstanceLocation, "/")
		}
		return faults.BadPayload(pointer, reason)
	}
	return nil
}

func (p *Validation) OnResponse(c *pipeline.Context) error { return nil }
