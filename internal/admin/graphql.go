package admin

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

// GraphQLRequest is a GraphQL request body.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

func modelOf(p graphql.ResolveParams) *odm.Model {
	m, _ := p.Source.(*odm.Model)
	return m
}

// buildSchema exposes the registry read-only: models, model(name) and a
// per-model count.
func buildSchema(conn *odm.Connection) (graphql.Schema, error) {
	modelType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Model",
		Fields: graphql.Fields{
			"name": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return modelOf(p).Name(), nil
				},
			},
			"collection": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return modelOf(p).CollectionName(), nil
				},
			},
			"paths": &graphql.Field{
				Type: graphql.NewList(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return modelOf(p).Schema().Paths(), nil
				},
			},
			"virtuals": &graphql.Field{
				Type: graphql.NewList(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return modelOf(p).Schema().Virtuals(), nil
				},
			},
			"indexes": &graphql.Field{
				Type: graphql.NewList(graphql.String),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return describe(modelOf(p)).Indexes, nil
				},
			},
			"count": &graphql.Field{
				Type:        graphql.Int,
				Description: "Documents matching filter, an Extended JSON object.",
				Args: graphql.FieldConfigArgument{
					"filter": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					var filter bson.M
					if raw, ok := p.Args["filter"].(string); ok && raw != "" {
						if err := bson.UnmarshalExtJSON([]byte(raw), false, &filter); err != nil {
							return nil, fmt.Errorf("invalid filter: %w", err)
						}
					}
					n, err := modelOf(p).CountDocuments(p.Context, filter)
					if err != nil {
						return nil, err
					}
					return int(n), nil
				},
			},
		},
	})

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"models": &graphql.Field{
				Type: graphql.NewList(modelType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					models := conn.Registry().Models()
					sort.Slice(models, func(i, j int) bool { return models[i].Name() < models[j].Name() })
					return models, nil
				},
			},
			"model": &graphql.Field{
				Type: modelType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					name, _ := p.Args["name"].(string)
					m, ok := conn.Registry().Lookup(name)
					if !ok {
						return nil, nil
					}
					return m, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: query})
}

func (h *Handler) graphql(c *gin.Context) {
	var req GraphQLRequest
	if c.Request.Method == http.MethodPost {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"errors": []gin.H{{"message": "invalid request body"}},
			})
			return
		}
	} else {
		req.Query = c.Query("query")
		req.OperationName = c.Query("operationName")
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		Context:        c.Request.Context(),
	})
	c.JSON(http.StatusOK, result)
}
