package app

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"pipecd/api/internal/rbac"
	"pipecd/api/internal/validate"
)

// jsonObject carries update inputs. graphql-go drops null fields from
// typed input objects, so updates use an untyped object to keep "clear
// this field" apart from "leave it unchanged". The graphql-go parser has
// no null literal, so a clear must arrive through variables, e.g.
// updatePerson(id: $id, input: $input) with {"input": {"lastName": null}}.
var jsonObject = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "JSON",
	Description: "An arbitrary JSON value.",
	Serialize:   func(value any) any { return value },
	ParseValue:  func(value any) any { return value },
	ParseLiteral: func(value ast.Value) any {
		return literalValue(value)
	},
})

func literalValue(value ast.Value) any {
	switch v := value.(type) {
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = literalValue(f.Value)
		}
		return out
	case *ast.ListValue:
		out := make([]any, len(v.Values))
		for i, item := range v.Values {
			out[i] = literalValue(item)
		}
		return out
	case *ast.StringValue:
		return v.Value
	case *ast.IntValue:
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	default:
		return nil
	}
}

var numericColumns = map[string]bool{"amount": true, "estimated_value": true}

func outputType(column string) graphql.Output {
	switch {
	case numericColumns[column]:
		return graphql.Float
	case column == "done":
		return graphql.Boolean
	case column == "due_at":
		return graphql.DateTime
	case strings.HasSuffix(column, "_id"):
		return graphql.ID
	default:
		return graphql.String
	}
}

func inputType(column string) graphql.Input {
	switch {
	case numericColumns[column]:
		return graphql.Float
	case column == "done":
		return graphql.Boolean
	case strings.HasSuffix(column, "_id"):
		return graphql.ID
	default:
		return graphql.String
	}
}

// camel turns a column name into its GraphQL field name.
func camel(column string) string {
	parts := strings.Split(column, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// columnsFrom maps GraphQL field names back to columns. Snake case keys
// are accepted as is; anything else the schema does not declare is left
// for the validator to drop.
func columnsFrom(schema *validate.Schema, input map[string]any) map[string]any {
	byField := make(map[string]string, len(schema.Fields()))
	for _, column := range schema.Fields() {
		byField[camel(column)] = column
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		if column, ok := byField[key]; ok {
			out[column] = value
			continue
		}
		out[key] = value
	}
	return out
}

func objectType(b binding) *graphql.Object {
	fields := graphql.Fields{
		"id":        &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		"userId":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"createdAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
		"updatedAt": &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	}
	for _, column := range b.create.Fields() {
		typ := outputType(column)
		if b.create.Required(column) {
			typ = graphql.NewNonNull(typ)
		}
		fields[camel(column)] = &graphql.Field{Type: typ}
	}
	return graphql.NewObject(graphql.ObjectConfig{Name: b.label, Fields: fields})
}

func createInputType(b binding) *graphql.InputObject {
	fields := graphql.InputObjectConfigFieldMap{}
	for _, column := range b.create.Fields() {
		fields[camel(column)] = &graphql.InputObjectFieldConfig{Type: inputType(column)}
	}
	return graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   b.label + "CreateInput",
		Fields: fields,
	})
}

var viewerType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Viewer",
	Fields: graphql.Fields{
		"id":          &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		"email":       &graphql.Field{Type: graphql.String},
		"role":        &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"permissions": &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))},
	},
})

var idArgs = graphql.FieldConfigArgument{
	"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
}

// NewSchema exposes every dispatcher operation over GraphQL.
func NewSchema(d *Dispatcher) (graphql.Schema, error) {
	query := graphql.Fields{
		"viewer": &graphql.Field{
			Type: viewerType,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				if v := d.Viewer(p.Context); v != nil {
					return v, nil
				}
				return nil, nil
			},
		},
	}
	mutation := graphql.Fields{}

	entities := make([]rbac.Entity, 0, len(d.bindings))
	for entity := range d.bindings {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })

	for _, entity := range entities {
		entity := entity // per-iteration copy for resolver closures (pre-Go 1.22 loop semantics)
		b := d.bindings[entity]
		object := objectType(b)

		query[b.plural] = &graphql.Field{
			Type: graphql.NewList(graphql.NewNonNull(object)),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return d.List(p.Context, entity)
			},
		}
		query[string(entity)] = &graphql.Field{
			Type: object,
			Args: idArgs,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				id, _ := p.Args["id"].(string)
				return d.Get(p.Context, entity, id)
			},
		}

		mutation["create"+b.label] = &graphql.Field{
			Type: object,
			Args: graphql.FieldConfigArgument{
				"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(createInputType(b))},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				input, _ := p.Args["input"].(map[string]any)
				return d.Create(p.Context, entity, columnsFrom(b.create, input))
			},
		}
		mutation["update"+b.label] = &graphql.Field{
			Type: object,
			Args: graphql.FieldConfigArgument{
				"id":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonObject)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				id, _ := p.Args["id"].(string)
				input, ok := p.Args["input"].(map[string]any)
				if !ok {
					op := b.op(rbac.ActionUpdate)
					if _, err := d.authenticate(p.Context, op); err != nil {
						return nil, err
					}
					return nil, d.fail(p.Context, op, validate.Invalid("input", "must be an object"))
				}
				return d.Update(p.Context, entity, id, columnsFrom(b.update, input))
			},
		}
		mutation["delete"+b.label] = &graphql.Field{
			Type: graphql.Boolean,
			Args: idArgs,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				id, _ := p.Args["id"].(string)
				return d.Delete(p.Context, entity, id)
			},
		}
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:    graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: query}),
		Mutation: graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutation}),
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("build graphql schema: %w", err)
	}
	return schema, nil
}
