package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/gilberth/hass-mcp/internal/hass"
)

const defaultListLimit = 100

type tool struct {
	def      Tool
	resolved *jsonschema.Resolved
	call     func(ctx context.Context, args json.RawMessage) (any, error)
}

// validate checks raw arguments against the tool schema. Missing arguments
// are treated as an empty object.
func (t tool) validate(raw json.RawMessage) error {
	instance := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &instance); err != nil {
			return fmt.Errorf("arguments must be an object: %w", err)
		}
	}
	return t.resolved.Validate(instance)
}

// newTool infers the input schema from A and decodes arguments into it.
func newTool[A any](name, description string, fn func(ctx context.Context, args A) (any, error), tweak ...func(*jsonschema.Schema)) (tool, error) {
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return tool{}, fmt.Errorf("mcp: schema for %s: %w", name, err)
	}
	for _, f := range tweak {
		f(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return tool{}, fmt.Errorf("mcp: resolve schema for %s: %w", name, err)
	}
	return tool{
		def:      Tool{Name: name, Description: description, InputSchema: schema},
		resolved: resolved,
		call: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args A
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			return fn(ctx, args)
		},
	}, nil
}

type noArgs struct{}

type getEntityArgs struct {
	EntityID string   `json:"entity_id" jsonschema:"entity id such as light.kitchen"`
	Fields   []string `json:"fields,omitempty" jsonschema:"attribute names to return instead of the full state"`
}

type listEntitiesArgs struct {
	Domain string `json:"domain,omitempty" jsonschema:"only entities of this domain"`
	Search string `json:"search,omitempty" jsonschema:"case-insensitive match on entity id or friendly name"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of entities to return"`
}

type entityActionArgs struct {
	EntityID string         `json:"entity_id" jsonschema:"entity to act on"`
	Action   string         `json:"action" jsonschema:"on, off or toggle"`
	Params   map[string]any `json:"params,omitempty" jsonschema:"extra service data such as brightness"`
}

type callServiceArgs struct {
	Domain  string         `json:"domain" jsonschema:"service domain such as light"`
	Service string         `json:"service" jsonschema:"service name such as turn_on"`
	Data    map[string]any `json:"data,omitempty" jsonschema:"service data"`
}

// entitySummary is the compact row returned by list_entities.
type entitySummary struct {
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

func (s *Server) buildTools() ([]tool, error) {
	var (
		tools []tool
		errs  []error
	)
	add := func(t tool, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		tools = append(tools, t)
	}

	add(newTool("get_version", "Get the Home Assistant version", s.getVersion))
	add(newTool("get_entity", "Get the state of a Home Assistant entity", s.getEntity))
	add(newTool("list_entities", "List entities, optionally filtered by domain or search text", s.listEntities))
	add(newTool("entity_action", "Turn an entity on or off, or toggle it", s.entityAction,
		func(schema *jsonschema.Schema) {
			if p, ok := schema.Properties["action"]; ok {
				p.Enum = []any{"on", "off", "toggle"}
			}
		}))
	add(newTool("call_service", "Call any Home Assistant service", s.callService))
	add(newTool("get_error_log", "Get the Home Assistant error log", s.getErrorLog))

	if len(errs) > 0 {
		return nil, errs[0]
	}
	return tools, nil
}

func (s *Server) getVersion(ctx context.Context, _ noArgs) (any, error) {
	cfg, err := s.hass.Config(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Version, nil
}

func (s *Server) getEntity(ctx context.Context, args getEntityArgs) (any, error) {
	entity, err := s.hass.EntityState(ctx, args.EntityID)
	if err != nil {
		return nil, err
	}
	if len(args.Fields) == 0 {
		return entity, nil
	}
	out := map[string]any{
		"entity_id": entity.EntityID,
		"state":     entity.State,
	}
	attrs := map[string]any{}
	for _, f := range args.Fields {
		if v, ok := entity.Attributes[f]; ok {
			attrs[f] = v
		}
	}
	out["attributes"] = attrs
	return out, nil
}

func (s *Server) listEntities(ctx context.Context, args listEntitiesArgs) (any, error) {
	entities, err := s.hass.States(ctx)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	domain := strings.ToLower(strings.TrimSpace(args.Domain))
	search := strings.ToLower(strings.TrimSpace(args.Search))

	sort.Slice(entities, func(i, j int) bool { return entities[i].EntityID < entities[j].EntityID })

	out := make([]entitySummary, 0, min(limit, len(entities)))
	for _, e := range entities {
		if domain != "" && e.Domain() != domain {
			continue
		}
		name, _ := e.Attributes["friendly_name"].(string)
		if search != "" &&
			!strings.Contains(strings.ToLower(e.EntityID), search) &&
			!strings.Contains(strings.ToLower(name), search) {
			continue
		}
		out = append(out, entitySummary{EntityID: e.EntityID, State: e.State, FriendlyName: name})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

var actionServices = map[string]string{
	"on":     "turn_on",
	"off":    "turn_off",
	"toggle": "toggle",
}

func (s *Server) entityAction(ctx context.Context, args entityActionArgs) (any, error) {
	service, ok := actionServices[args.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q: want on, off or toggle", args.Action)
	}
	domain := hass.Entity{EntityID: args.EntityID}.Domain()
	if domain == "" || domain == args.EntityID {
		return nil, fmt.Errorf("invalid entity id %q", args.EntityID)
	}

	data := make(map[string]any, len(args.Params)+1)
	for k, v := range args.Params {
		data[k] = v
	}
	data["entity_id"] = args.EntityID

	changed, err := s.hass.CallService(ctx, domain, service, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"service": domain + "." + service,
		"changed": changed,
	}, nil
}

func (s *Server) callService(ctx context.Context, args callServiceArgs) (any, error) {
	return s.hass.CallService(ctx, args.Domain, args.Service, args.Data)
}

func (s *Server) getErrorLog(ctx context.Context, _ noArgs) (any, error) {
	return s.hass.ErrorLog(ctx)
}
