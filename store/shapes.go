package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

// Point is a single polygon point of a TerritoryShape.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TerritoryShape is an immutable shape definition. Shapes are referenced by
// templates and territories, never duplicated.
type TerritoryShape struct {
	// ID identifies the shape.
	ID string
	// Name is a human-readable shape name.
	Name string
	// Points is the polygon of the shape.
	Points []Point
	// DefaultColor is the fill color a territory takes when claimed.
	DefaultColor string
}

// TerritoryTemplate references a set of shapes and instantiates one territory
// per shape when applied to a map.
type TerritoryTemplate struct {
	// ID identifies the template.
	ID string
	// Name is a human-readable template name.
	Name string
	// ShapeIDs are the referenced shapes in insertion order.
	ShapeIDs []string
	// TournamentID optionally ties the template to a tournament.
	TournamentID nulls.String
	// CreatedAt is when the template was created.
	CreatedAt time.Time
}

// CreateTerritoryShape creates the given TerritoryShape and returns it with
// its assigned id.
func (m *Mall) CreateTerritoryShape(ctx context.Context, shape TerritoryShape) (TerritoryShape, error) {
	shape.ID = uuid.New().String()
	points, err := json.Marshal(shape.Points)
	if err != nil {
		return TerritoryShape{}, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindEncodeJSON,
			Err:     err,
			Message: "marshal shape points",
		}
	}
	q, _, err := m.dialect.Insert(goqu.T("territory_shapes")).Rows(goqu.Record{
		"id":            shape.ID,
		"name":          shape.Name,
		"points":        string(points),
		"default_color": shape.DefaultColor,
	}).ToSQL()
	if err != nil {
		return TerritoryShape{}, errors.NewQueryToSQLError(err, errors.Details{"shapeName": shape.Name})
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return TerritoryShape{}, errors.NewExecQueryError(err, "exec create shape query", q)
	}
	return shape, nil
}

// TerritoryShapeByID retrieves a TerritoryShape by its id.
func (m *Mall) TerritoryShapeByID(ctx context.Context, shapeID string) (TerritoryShape, error) {
	q, _, err := m.dialect.From(goqu.T("territory_shapes")).
		Select(goqu.C("id"),
			goqu.C("name"),
			goqu.C("points"),
			goqu.C("default_color")).
		Where(goqu.C("id").Eq(shapeID)).ToSQL()
	if err != nil {
		return TerritoryShape{}, errors.NewQueryToSQLError(err, errors.Details{"shapeID": shapeID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return TerritoryShape{}, errors.NewExecQueryError(err, "exec shape query", q)
	}
	defer rows.Close()
	if !rows.Next() {
		return TerritoryShape{}, errors.NewResourceNotFoundError(fmt.Sprintf("shape %s not found", shapeID),
			errors.Details{"shapeID": shapeID})
	}
	shape, err := scanTerritoryShape(rows, q)
	if err != nil {
		return TerritoryShape{}, errors.Wrap(err, "scan shape", nil)
	}
	return shape, nil
}

// TerritoryShapes retrieves all known shapes ordered by name.
func (m *Mall) TerritoryShapes(ctx context.Context) ([]TerritoryShape, error) {
	q, _, err := m.dialect.From(goqu.T("territory_shapes")).
		Select(goqu.C("id"),
			goqu.C("name"),
			goqu.C("points"),
			goqu.C("default_color")).
		Order(goqu.C("name").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, nil)
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec shapes query", q)
	}
	defer rows.Close()
	shapes := make([]TerritoryShape, 0)
	for rows.Next() {
		shape, err := scanTerritoryShape(rows, q)
		if err != nil {
			return nil, errors.Wrap(err, "scan shape", nil)
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTerritoryShape(row rowScanner, q string) (TerritoryShape, error) {
	var shape TerritoryShape
	var rawPoints string
	err := row.Scan(&shape.ID,
		&shape.Name,
		&rawPoints,
		&shape.DefaultColor)
	if err != nil {
		return TerritoryShape{}, errors.NewScanDBRowError(err, "scan shape row", q)
	}
	err = json.Unmarshal([]byte(rawPoints), &shape.Points)
	if err != nil {
		return TerritoryShape{}, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindDecodeJSON,
			Err:     err,
			Message: "unmarshal shape points",
		}
	}
	return shape, nil
}

// CreateTerritoryTemplate creates the given TerritoryTemplate including its
// shape references and returns it with its assigned id.
func (m *Mall) CreateTerritoryTemplate(ctx context.Context, template TerritoryTemplate) (TerritoryTemplate, error) {
	template.ID = uuid.New().String()
	template.CreatedAt = time.Now()
	q, _, err := m.dialect.Insert(goqu.T("territory_templates")).Rows(goqu.Record{
		"id":            template.ID,
		"name":          template.Name,
		"tournament_id": template.TournamentID,
		"created_at":    template.CreatedAt,
	}).ToSQL()
	if err != nil {
		return TerritoryTemplate{}, errors.NewQueryToSQLError(err, errors.Details{"templateName": template.Name})
	}
	shapeRows := make([]interface{}, 0, len(template.ShapeIDs))
	for pos, shapeID := range template.ShapeIDs {
		shapeRows = append(shapeRows, goqu.Record{
			"template_id": template.ID,
			"shape_id":    shapeID,
			"pos":         pos,
		})
	}
	var shapesQ string
	if len(shapeRows) > 0 {
		shapesQ, _, err = m.dialect.Insert(goqu.T("territory_template_shapes")).Rows(shapeRows...).ToSQL()
		if err != nil {
			return TerritoryTemplate{}, errors.NewQueryToSQLError(err, errors.Details{"templateName": template.Name})
		}
	}
	err = m.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q)
		if err != nil {
			return errors.NewExecQueryError(err, "exec create template query", q)
		}
		if shapesQ != "" {
			_, err = tx.Exec(ctx, shapesQ)
			if err != nil {
				return errors.NewExecQueryError(err, "exec create template shapes query", shapesQ)
			}
		}
		return nil
	})
	if err != nil {
		return TerritoryTemplate{}, errors.Wrap(err, "run in tx", nil)
	}
	return template, nil
}

// TerritoryTemplateByID retrieves a TerritoryTemplate with its shape ids.
func (m *Mall) TerritoryTemplateByID(ctx context.Context, templateID string) (TerritoryTemplate, error) {
	q, _, err := m.dialect.From(goqu.T("territory_templates")).
		Select(goqu.C("id"),
			goqu.C("name"),
			goqu.C("tournament_id"),
			goqu.C("created_at")).
		Where(goqu.C("id").Eq(templateID)).ToSQL()
	if err != nil {
		return TerritoryTemplate{}, errors.NewQueryToSQLError(err, errors.Details{"templateID": templateID})
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return TerritoryTemplate{}, errors.NewExecQueryError(err, "exec template query", q)
	}
	var template TerritoryTemplate
	if !rows.Next() {
		rows.Close()
		return TerritoryTemplate{}, errors.NewResourceNotFoundError(fmt.Sprintf("template %s not found", templateID),
			errors.Details{"templateID": templateID})
	}
	err = rows.Scan(&template.ID,
		&template.Name,
		&template.TournamentID,
		&template.CreatedAt)
	rows.Close()
	if err != nil {
		return TerritoryTemplate{}, errors.NewScanDBRowError(err, "scan template row", q)
	}
	// Load shape references.
	shapesQ, _, err := m.dialect.From(goqu.T("territory_template_shapes")).
		Select(goqu.C("shape_id")).
		Where(goqu.C("template_id").Eq(templateID)).
		Order(goqu.C("pos").Asc()).ToSQL()
	if err != nil {
		return TerritoryTemplate{}, errors.NewQueryToSQLError(err, errors.Details{"templateID": templateID})
	}
	shapeRows, err := m.db.Query(ctx, shapesQ)
	if err != nil {
		return TerritoryTemplate{}, errors.NewExecQueryError(err, "exec template shapes query", shapesQ)
	}
	defer shapeRows.Close()
	template.ShapeIDs = make([]string, 0)
	for shapeRows.Next() {
		var shapeID string
		err = shapeRows.Scan(&shapeID)
		if err != nil {
			return TerritoryTemplate{}, errors.NewScanDBRowError(err, "scan template shape row", shapesQ)
		}
		template.ShapeIDs = append(template.ShapeIDs, shapeID)
	}
	return template, nil
}

// TerritoryTemplates retrieves all known templates with their shape ids
// ordered by name.
func (m *Mall) TerritoryTemplates(ctx context.Context) ([]TerritoryTemplate, error) {
	q, _, err := m.dialect.From(goqu.T("territory_templates")).
		Select(goqu.C("id"),
			goqu.C("name"),
			goqu.C("tournament_id"),
			goqu.C("created_at")).
		Order(goqu.C("name").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, nil)
	}
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec templates query", q)
	}
	templates := make([]TerritoryTemplate, 0)
	templatesByID := make(map[string]int)
	for rows.Next() {
		var template TerritoryTemplate
		err = rows.Scan(&template.ID,
			&template.Name,
			&template.TournamentID,
			&template.CreatedAt)
		if err != nil {
			rows.Close()
			return nil, errors.NewScanDBRowError(err, "scan template row", q)
		}
		template.ShapeIDs = make([]string, 0)
		templatesByID[template.ID] = len(templates)
		templates = append(templates, template)
	}
	rows.Close()
	// Load shape references for all templates at once.
	shapesQ, _, err := m.dialect.From(goqu.T("territory_template_shapes")).
		Select(goqu.C("template_id"),
			goqu.C("shape_id")).
		Order(goqu.C("template_id").Asc(), goqu.C("pos").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewQueryToSQLError(err, nil)
	}
	shapeRows, err := m.db.Query(ctx, shapesQ)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "exec template shapes query", shapesQ)
	}
	defer shapeRows.Close()
	for shapeRows.Next() {
		var templateID string
		var shapeID string
		err = shapeRows.Scan(&templateID, &shapeID)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan template shape row", shapesQ)
		}
		if pos, ok := templatesByID[templateID]; ok {
			templates[pos].ShapeIDs = append(templates[pos].ShapeIDs, shapeID)
		}
	}
	return templates, nil
}
