// Package catalog manages territory shapes, reusable templates and the
// territories that instantiate them on a map.
package catalog

import (
	"context"
	"fmt"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"go.uber.org/zap"
)

// Store provides the persistence operations the Catalog needs. Implemented by
// store.Mall.
type Store interface {
	CreateTerritoryShape(ctx context.Context, shape store.TerritoryShape) (store.TerritoryShape, error)
	TerritoryShapeByID(ctx context.Context, shapeID string) (store.TerritoryShape, error)
	TerritoryShapes(ctx context.Context) ([]store.TerritoryShape, error)
	CreateTerritoryTemplate(ctx context.Context, template store.TerritoryTemplate) (store.TerritoryTemplate, error)
	TerritoryTemplateByID(ctx context.Context, templateID string) (store.TerritoryTemplate, error)
	TerritoryTemplates(ctx context.Context) ([]store.TerritoryTemplate, error)
	CreateTerritory(ctx context.Context, territory store.Territory) (store.Territory, error)
	TerritoryByID(ctx context.Context, territoryID string) (store.Territory, error)
	TerritoriesByMap(ctx context.Context, mapID string) ([]store.Territory, error)
	SetTerritoryActive(ctx context.Context, territoryID string, isActive bool) error
	MapSettingsByID(ctx context.Context, mapID string) (store.MapSettings, error)
}

// Broadcaster notifies subscribers about catalog changes to a map.
type Broadcaster interface {
	PublishMap(mapID string)
}

// Catalog manages shapes, templates and territories.
type Catalog struct {
	logger      *zap.Logger
	mall        Store
	broadcaster Broadcaster
}

// NewCatalog creates a new Catalog.
func NewCatalog(logger *zap.Logger, mall Store, broadcaster Broadcaster) *Catalog {
	return &Catalog{
		logger:      logger,
		mall:        mall,
		broadcaster: broadcaster,
	}
}

// CreateShape creates a new territory shape.
func (c *Catalog) CreateShape(ctx context.Context, shape store.TerritoryShape) (store.TerritoryShape, error) {
	if shape.Name == "" {
		return store.TerritoryShape{}, errors.NewBadRequestError(errors.KindUnexpected,
			"shape name must not be empty", nil)
	}
	if len(shape.Points) < 3 {
		return store.TerritoryShape{}, errors.NewBadRequestError(errors.KindUnexpected,
			"shape needs at least three points", errors.Details{"points": len(shape.Points)})
	}
	created, err := c.mall.CreateTerritoryShape(ctx, shape)
	if err != nil {
		return store.TerritoryShape{}, errors.Wrap(err, "create territory shape", nil)
	}
	return created, nil
}

// Shapes retrieves all known territory shapes.
func (c *Catalog) Shapes(ctx context.Context) ([]store.TerritoryShape, error) {
	shapes, err := c.mall.TerritoryShapes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "territory shapes", nil)
	}
	return shapes, nil
}

// CreateTemplate creates a reusable template from the given shapes. All
// referenced shapes must exist.
func (c *Catalog) CreateTemplate(ctx context.Context, template store.TerritoryTemplate) (store.TerritoryTemplate, error) {
	if template.Name == "" {
		return store.TerritoryTemplate{}, errors.NewBadRequestError(errors.KindUnexpected,
			"template name must not be empty", nil)
	}
	if len(template.ShapeIDs) == 0 {
		return store.TerritoryTemplate{}, errors.NewBadRequestError(errors.KindUnexpected,
			"template needs at least one shape", nil)
	}
	for _, shapeID := range template.ShapeIDs {
		_, err := c.mall.TerritoryShapeByID(ctx, shapeID)
		if err != nil {
			return store.TerritoryTemplate{}, errors.Wrap(err, "territory shape by id",
				errors.Details{"shapeID": shapeID})
		}
	}
	created, err := c.mall.CreateTerritoryTemplate(ctx, template)
	if err != nil {
		return store.TerritoryTemplate{}, errors.Wrap(err, "create territory template", nil)
	}
	return created, nil
}

// Templates retrieves all known templates.
func (c *Catalog) Templates(ctx context.Context) ([]store.TerritoryTemplate, error) {
	templates, err := c.mall.TerritoryTemplates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "territory templates", nil)
	}
	return templates, nil
}

// TemplateByID retrieves a template by its id.
func (c *Catalog) TemplateByID(ctx context.Context, templateID string) (store.TerritoryTemplate, error) {
	template, err := c.mall.TerritoryTemplateByID(ctx, templateID)
	if err != nil {
		return store.TerritoryTemplate{}, errors.Wrap(err, "territory template by id", nil)
	}
	return template, nil
}

// InstantiateTemplate creates one territory per template shape on the given
// map. Territory names are taken from their shapes and the optional max player
// override applies to every created territory.
func (c *Catalog) InstantiateTemplate(ctx context.Context, templateID string, mapID string,
	maxPlayers nulls.Int) ([]store.Territory, error) {
	err := validateMaxPlayers(maxPlayers)
	if err != nil {
		return nil, err
	}
	_, err = c.mall.MapSettingsByID(ctx, mapID)
	if err != nil {
		return nil, errors.Wrap(err, "map settings by id", nil)
	}
	template, err := c.mall.TerritoryTemplateByID(ctx, templateID)
	if err != nil {
		return nil, errors.Wrap(err, "territory template by id", nil)
	}
	territories := make([]store.Territory, 0, len(template.ShapeIDs))
	for _, shapeID := range template.ShapeIDs {
		shape, err := c.mall.TerritoryShapeByID(ctx, shapeID)
		if err != nil {
			return nil, errors.Wrap(err, "territory shape by id",
				errors.Details{"shapeID": shapeID})
		}
		territory, err := c.mall.CreateTerritory(ctx, store.Territory{
			MapID:      mapID,
			ShapeID:    nulls.NewString(shape.ID),
			Name:       shape.Name,
			MaxPlayers: maxPlayers,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create territory",
				errors.Details{"shapeID": shapeID})
		}
		territories = append(territories, territory)
	}
	c.logger.Info("template instantiated",
		zap.String("template_id", templateID),
		zap.String("map_id", mapID),
		zap.Int("territories", len(territories)))
	c.broadcaster.PublishMap(mapID)
	return territories, nil
}

// AddTerritory creates a single territory on the given map.
func (c *Catalog) AddTerritory(ctx context.Context, territory store.Territory) (store.Territory, error) {
	if territory.Name == "" {
		return store.Territory{}, errors.NewBadRequestError(errors.KindUnexpected,
			"territory name must not be empty", nil)
	}
	err := validateMaxPlayers(territory.MaxPlayers)
	if err != nil {
		return store.Territory{}, err
	}
	_, err = c.mall.MapSettingsByID(ctx, territory.MapID)
	if err != nil {
		return store.Territory{}, errors.Wrap(err, "map settings by id", nil)
	}
	if territory.ShapeID.Valid {
		_, err = c.mall.TerritoryShapeByID(ctx, territory.ShapeID.String)
		if err != nil {
			return store.Territory{}, errors.Wrap(err, "territory shape by id", nil)
		}
	}
	created, err := c.mall.CreateTerritory(ctx, territory)
	if err != nil {
		return store.Territory{}, errors.Wrap(err, "create territory", nil)
	}
	c.broadcaster.PublishMap(created.MapID)
	return created, nil
}

// RemoveTerritory deactivates a territory. The territory disappears from map
// listings but its claim log stays readable.
func (c *Catalog) RemoveTerritory(ctx context.Context, territoryID string) error {
	territory, err := c.mall.TerritoryByID(ctx, territoryID)
	if err != nil {
		return errors.Wrap(err, "territory by id", nil)
	}
	err = c.mall.SetTerritoryActive(ctx, territoryID, false)
	if err != nil {
		return errors.Wrap(err, "set territory active", nil)
	}
	c.broadcaster.PublishMap(territory.MapID)
	return nil
}

// TerritoriesByMap retrieves all active territories of the map.
func (c *Catalog) TerritoriesByMap(ctx context.Context, mapID string) ([]store.Territory, error) {
	territories, err := c.mall.TerritoriesByMap(ctx, mapID)
	if err != nil {
		return nil, errors.Wrap(err, "territories by map", nil)
	}
	return territories, nil
}

// validateMaxPlayers rejects max player overrides below one. A zero override
// would create a territory that can never be claimed.
func validateMaxPlayers(maxPlayers nulls.Int) error {
	if maxPlayers.Valid && maxPlayers.Int < 1 {
		return errors.NewBadRequestError(errors.KindUnexpected,
			fmt.Sprintf("max players must be at least 1 but was %d", maxPlayers.Int),
			errors.Details{"maxPlayers": maxPlayers.Int})
	}
	return nil
}
