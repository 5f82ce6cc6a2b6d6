package lifecycle

import (
	"net/http"

	"github.com/evermind-ai/backend/internal/config"
	"github.com/evermind-ai/backend/internal/handlers"
	"github.com/evermind-ai/backend/internal/pipeline"
)

// Route payload contracts. Small enough to live inline; anything larger
// moves to files.
var (
	authenticateSchema = []byte(`{
		"type": "object",
		"required": ["username", "password"],
		"properties": {
			"username": {"type": "string", "minLength": 1},
			"password": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`)

	refreshSchema = []byte(`{
		"type": "object",
		"required": ["refresh_token"],
		"properties": {
			"refresh_token": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`)

	conversationSchema = []byte(`{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string"}
		}
	}`)

	ttsSchema = []byte(`{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"voice": {"type": "string"}
		}
	}`)
)

// registerRoutes builds the route table. Everything not explicitly public
// is protected; the token endpoints keep encryption but skip bearer auth
// so a client with an expired access token can still reach them.
func registerRoutes(router *pipeline.Router, cfg *config.Config) error {
	validate := cfg.Plugins.Validation.Enabled

	type def struct {
		route  pipeline.Route
		schema []byte
		name   string
	}

	defs := []def{
		{
			route: pipeline.Route{
				Method:  http.MethodPost,
				Path:    "/gateway/echo",
				Subject: handlers.SubjectEcho,
			},
		},
		{
			route: pipeline.Route{
				Method:   http.MethodPost,
				Path:     "/users/authenticate",
				Subject:  handlers.SubjectAuthenticate,
				SkipAuth: true,
			},
			schema: authenticateSchema,
			name:   "users_authenticate",
		},
		{
			route: pipeline.Route{
				Method:   http.MethodPost,
				Path:     "/users/refresh",
				Subject:  handlers.SubjectRefresh,
				SkipAuth: true,
			},
			schema: refreshSchema,
			name:   "users_refresh",
		},
		{
			route: pipeline.Route{
				Method:   http.MethodPost,
				Path:     "/conversation/send",
				Producer: handlers.ConversationSend,
			},
			schema: conversationSchema,
			name:   "conversation_send",
		},
		{
			route: pipeline.Route{
				Method:   http.MethodPost,
				Path:     "/tts/synthesize",
				Producer: handlers.TTSSynthesize,
				Binary:   true,
			},
			schema: ttsSchema,
			name:   "tts_synthesize",
		},
	}

	for _, d := range defs {
		route := d.route
		if validate && d.schema != nil {
			schema, err := pipeline.CompileSchema(d.name, d.schema)
			if err != nil {
				return err
			}
			route.Schema = schema
		}
		if err := router.Register(&route); err != nil {
			return err
		}
	}
	return nil
}
