package plugins

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/backend/internal/faults"
	"github.com/evermind-ai/backend/internal/pipeline"
)

func validationRoute(t *testing.T) *pipeline.Route {
	t.Helper()
	schema, err := pipeline.CompileSchema("message", []byte(`{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string"}
		}
	}`))
	require.NoError(t, err)
	return &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x", Schema: schema}
}

func validationContext(t *testing.T, route *pipeline.Route, payload []byte) *pipeline.Context {
	t.Helper()
	c := pipeline.NewContext(context.Background(), pipeline.TransportREST, http.MethodPost, "/x", time.Minute)
	t.Cleanup(c.Cancel)
	c.Route = route
	c.Payload = payload
	return c
}

func TestValidationAccepts(t *testing.T) {
	p := NewValidation()
	route := validationRoute(t)

	c := validationContext(t, route, []byte(`{"message":"hello","conversation_id":"c1"}`))
	assert.NoError(t, p.OnRequest(c))
}

func TestValidationRejectsMissingField(t *testing.T) {
	p := NewValidation()
	route := validationRoute(t)

	c := validationContext(t, route, []byte(`{"conversation_id":"c1"}`))
	err := p.OnRequest(c)
	require.Error(t, err)
	f := faults.From(err)
	assert.Equal(t, "validation/bad_payload", f.Code)
	assert.Equal(t, faults.KindValidation, f.Kind)
}

func TestValidationRejectsWrongTypeWithPointer(t *testing.T) {
	p := NewValidation()
	route := validationRoute(t)

	c := validationContext(t, route, []byte(`{"message":42}`))
	err := p.OnRequest(c)
	require.Error(t, err)
	// The fault names the offending location.
	assert.Contains(t, faults.From(err).Message, "/message")
}

func TestValidationRejectsNonJSON(t *testing.T) {
	p := NewValidation()
	route := validationRoute(t)

	c := validationContext(t, route, []byte("not json at all"))
	err := p.OnRequest(c)
	require.Error(t, err)
	assert.Contains(t, faults.From(err).Message, "not valid JSON")
}

func TestValidationSkipsSchemalessRoutes(t *testing.T) {
	p := NewValidation()

	c := validationContext(t, &pipeline.Route{Method: http.MethodPost, Path: "/x", Subject: "x"}, []byte("anything"))
	assert.NoError(t, p.OnRequest(c))
}
