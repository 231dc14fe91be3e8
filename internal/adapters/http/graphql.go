package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"github.com/samirrijal/mapprobe/internal/core/domain"
)

// buildSchema creates the GraphQL schema wired to our services. Field names
// follow the JSON tags of the domain types so the default resolver applies.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	coordinateType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Coordinate",
		Fields: graphql.Fields{
			"lat": &graphql.Field{Type: graphql.Float},
			"lng": &graphql.Field{Type: graphql.Float},
		},
	})

	bboxType := graphql.NewObject(graphql.ObjectConfig{
		Name: "BoundingBox",
		Fields: graphql.Fields{
			"west":  &graphql.Field{Type: graphql.Float},
			"south": &graphql.Field{Type: graphql.Float},
			"east":  &graphql.Field{Type: graphql.Float},
			"north": &graphql.Field{Type: graphql.Float},
		},
	})

	stateType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ProbeState",
		Fields: graphql.Fields{
			"last_pointer":    &graphql.Field{Type: coordinateType},
			"elevation":       &graphql.Field{Type: graphql.Float, Description: "Feet"},
			"elevation_error": &graphql.Field{Type: graphql.String},
			"bbox":            &graphql.Field{Type: bboxType},
			"overlay": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Source.(domain.ProbeState).Overlay.String(), nil
				},
			},
			"show_overlay": &graphql.Field{
				Type: graphql.Boolean,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Source.(domain.ProbeState).ShowOverlay(), nil
				},
			},
		},
	})

	sessionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Session",
		Fields: graphql.Fields{
			"id":    &graphql.Field{Type: graphql.String},
			"state": &graphql.Field{Type: stateType},
		},
	})

	sessionListType := graphql.NewObject(graphql.ObjectConfig{
		Name: "SessionList",
		Fields: graphql.Fields{
			"count": &graphql.Field{Type: graphql.Int},
			"ids":   &graphql.Field{Type: graphql.NewList(graphql.String)},
		},
	})

	queryEntryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ElevationQuery",
		Fields: graphql.Fields{
			"session_id": &graphql.Field{Type: graphql.String},
			"generation": &graphql.Field{
				Type: graphql.Int,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return int(p.Source.(domain.ElevationQuery).Generation), nil
				},
			},
			"target": &graphql.Field{Type: coordinateType},
			"status": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return string(p.Source.(domain.ElevationQuery).Status), nil
				},
			},
			"elevation":  &graphql.Field{Type: graphql.Float},
			"error":      &graphql.Field{Type: graphql.String},
			"applied":    &graphql.Field{Type: graphql.Boolean},
			"issued_at":  &graphql.Field{Type: graphql.DateTime},
			"settled_at": &graphql.Field{Type: graphql.DateTime},
		},
	})

	queryPageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ElevationQueryPage",
		Fields: graphql.Fields{
			"total": &graphql.Field{Type: graphql.Int},
			"items": &graphql.Field{Type: graphql.NewList(queryEntryType)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"elevation": &graphql.Field{
				Type:        graphql.Float,
				Description: "Ground elevation in feet at a point (cached, not debounced)",
				Args: graphql.FieldConfigArgument{
					"lat": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
					"lng": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.Float)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					at := domain.Coordinate{Lat: p.Args["lat"].(float64), Lng: p.Args["lng"].(float64)}
					return deps.Elevation.Lookup(p.Context, at)
				},
			},
			"session": &graphql.Field{
				Type:        sessionType,
				Description: "State snapshot of a mounted probe session",
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id := p.Args["id"].(string)
					st, err := deps.Probes.Snapshot(p.Context, id)
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{"id": id, "state": st}, nil
				},
			},
			"sessions": &graphql.Field{
				Type:        sessionListType,
				Description: "Mounted probe sessions",
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					ids := deps.Probes.List()
					return map[string]interface{}{"count": len(ids), "ids": ids}, nil
				},
			},
			"recentQueries": &graphql.Field{
				Type:        queryPageType,
				Description: "Settled elevation queries, newest first",
				Args: graphql.FieldConfigArgument{
					"offset": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 0},
					"limit":  &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 20},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					offset := p.Args["offset"].(int)
					limit := p.Args["limit"].(int)
					if offset < 0 {
						offset = 0
					}
					if limit <= 0 || limit > 200 {
						limit = 20
					}
					items, total, err := deps.Probes.RecentQueries(p.Context, offset, limit)
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{"total": total, "items": items}, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if req.Query == "" {
			return errBadRequest(c, "query is required")
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.UserContext(),
		})

		return c.JSON(result)
	}
}
