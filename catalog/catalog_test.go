package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/dropmaphq/dropmap-server/store"
	"github.com/gobuffalo/nulls"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const testMapID = "map-1"

type fakeStore struct {
	shapes      map[string]store.TerritoryShape
	templates   map[string]store.TerritoryTemplate
	territories map[string]store.Territory
	settings    map[string]store.MapSettings
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		shapes:      make(map[string]store.TerritoryShape),
		templates:   make(map[string]store.TerritoryTemplate),
		territories: make(map[string]store.Territory),
		settings:    map[string]store.MapSettings{testMapID: {ID: testMapID, MaxPlayersPerSpot: 1}},
	}
}

func (s *fakeStore) CreateTerritoryShape(_ context.Context, shape store.TerritoryShape) (store.TerritoryShape, error) {
	shape.ID = uuid.New().String()
	s.shapes[shape.ID] = shape
	return shape, nil
}

func (s *fakeStore) TerritoryShapeByID(_ context.Context, shapeID string) (store.TerritoryShape, error) {
	shape, ok := s.shapes[shapeID]
	if !ok {
		return store.TerritoryShape{}, errors.NewResourceNotFoundError("shape not found", nil)
	}
	return shape, nil
}

func (s *fakeStore) TerritoryShapes(_ context.Context) ([]store.TerritoryShape, error) {
	shapes := make([]store.TerritoryShape, 0, len(s.shapes))
	for _, shape := range s.shapes {
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

func (s *fakeStore) CreateTerritoryTemplate(_ context.Context, template store.TerritoryTemplate) (store.TerritoryTemplate, error) {
	template.ID = uuid.New().String()
	s.templates[template.ID] = template
	return template, nil
}

func (s *fakeStore) TerritoryTemplateByID(_ context.Context, templateID string) (store.TerritoryTemplate, error) {
	template, ok := s.templates[templateID]
	if !ok {
		return store.TerritoryTemplate{}, errors.NewResourceNotFoundError("template not found", nil)
	}
	return template, nil
}

func (s *fakeStore) TerritoryTemplates(_ context.Context) ([]store.TerritoryTemplate, error) {
	templates := make([]store.TerritoryTemplate, 0, len(s.templates))
	for _, template := range s.templates {
		templates = append(templates, template)
	}
	return templates, nil
}

func (s *fakeStore) CreateTerritory(_ context.Context, territory store.Territory) (store.Territory, error) {
	territory.ID = uuid.New().String()
	territory.IsActive = true
	s.territories[territory.ID] = territory
	return territory, nil
}

func (s *fakeStore) TerritoryByID(_ context.Context, territoryID string) (store.Territory, error) {
	territory, ok := s.territories[territoryID]
	if !ok {
		return store.Territory{}, errors.NewResourceNotFoundError("territory not found", nil)
	}
	return territory, nil
}

func (s *fakeStore) TerritoriesByMap(_ context.Context, mapID string) ([]store.Territory, error) {
	territories := make([]store.Territory, 0)
	for _, territory := range s.territories {
		if territory.MapID == mapID && territory.IsActive {
			territories = append(territories, territory)
		}
	}
	return territories, nil
}

func (s *fakeStore) SetTerritoryActive(_ context.Context, territoryID string, isActive bool) error {
	territory, ok := s.territories[territoryID]
	if !ok {
		return errors.NewResourceNotFoundError("territory not found", nil)
	}
	territory.IsActive = isActive
	s.territories[territoryID] = territory
	return nil
}

func (s *fakeStore) MapSettingsByID(_ context.Context, mapID string) (store.MapSettings, error) {
	settings, ok := s.settings[mapID]
	if !ok {
		return store.MapSettings{}, errors.NewResourceNotFoundError("map not found", nil)
	}
	return settings, nil
}

type recordingBroadcaster struct {
	m          sync.Mutex
	mapUpdates []string
}

func (b *recordingBroadcaster) PublishMap(mapID string) {
	b.m.Lock()
	defer b.m.Unlock()
	b.mapUpdates = append(b.mapUpdates, mapID)
}

type catalogSuite struct {
	suite.Suite
	mall        *fakeStore
	broadcaster *recordingBroadcaster
	catalog     *Catalog
}

func (s *catalogSuite) SetupTest() {
	s.mall = newFakeStore()
	s.broadcaster = &recordingBroadcaster{}
	s.catalog = NewCatalog(zap.NewNop(), s.mall, s.broadcaster)
}

func triangle() []store.Point {
	return []store.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
}

func (s *catalogSuite) TestCreateShape() {
	shape, err := s.catalog.CreateShape(context.Background(), store.TerritoryShape{
		Name:   "North Ridge",
		Points: triangle(),
	})
	s.Require().NoError(err)
	s.NotEmpty(shape.ID)
}

func (s *catalogSuite) TestCreateShapeValidation() {
	_, err := s.catalog.CreateShape(context.Background(), store.TerritoryShape{Points: triangle()})
	s.Error(err)
	_, err = s.catalog.CreateShape(context.Background(), store.TerritoryShape{
		Name:   "Line",
		Points: []store.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
	})
	s.Error(err)
}

func (s *catalogSuite) TestCreateTemplateRequiresShapes() {
	_, err := s.catalog.CreateTemplate(context.Background(), store.TerritoryTemplate{
		Name:     "Empty",
		ShapeIDs: []string{},
	})
	s.Error(err)
	_, err = s.catalog.CreateTemplate(context.Background(), store.TerritoryTemplate{
		Name:     "Broken",
		ShapeIDs: []string{"unknown-shape"},
	})
	e, _ := errors.Cast(err)
	s.Equal(errors.ErrNotFound, e.Code)
}

func (s *catalogSuite) TestTemplates() {
	shape, err := s.catalog.CreateShape(context.Background(), store.TerritoryShape{
		Name: "A", Points: triangle(),
	})
	s.Require().NoError(err)
	created, err := s.catalog.CreateTemplate(context.Background(), store.TerritoryTemplate{
		Name:     "Duo Finals",
		ShapeIDs: []string{shape.ID},
	})
	s.Require().NoError(err)
	templates, err := s.catalog.Templates(context.Background())
	s.Require().NoError(err)
	s.Require().Len(templates, 1, "should list the created template")
	s.Equal(created.ID, templates[0].ID)
}

func (s *catalogSuite) TestInstantiateTemplate() {
	shapeA, err := s.catalog.CreateShape(context.Background(), store.TerritoryShape{
		Name: "A", Points: triangle(),
	})
	s.Require().NoError(err)
	shapeB, err := s.catalog.CreateShape(context.Background(), store.TerritoryShape{
		Name: "B", Points: triangle(),
	})
	s.Require().NoError(err)
	template, err := s.catalog.CreateTemplate(context.Background(), store.TerritoryTemplate{
		Name:     "Duos Finals",
		ShapeIDs: []string{shapeA.ID, shapeB.ID},
	})
	s.Require().NoError(err)
	territories, err := s.catalog.InstantiateTemplate(context.Background(), template.ID, testMapID,
		nulls.NewInt(2))
	s.Require().NoError(err)
	s.Require().Len(territories, 2)
	for _, territory := range territories {
		s.Equal(testMapID, territory.MapID)
		s.Equal(nulls.NewInt(2), territory.MaxPlayers)
		s.True(territory.IsActive)
	}
	s.Equal([]string{testMapID}, s.broadcaster.mapUpdates)
}

func (s *catalogSuite) TestInstantiateTemplateUnknownMap() {
	_, err := s.catalog.InstantiateTemplate(context.Background(), "some-template", "unknown-map",
		nulls.Int{})
	e, _ := errors.Cast(err)
	s.Equal(errors.ErrNotFound, e.Code)
}

func (s *catalogSuite) TestAddAndRemoveTerritory() {
	territory, err := s.catalog.AddTerritory(context.Background(), store.Territory{
		MapID: testMapID,
		Name:  "South Bay",
	})
	s.Require().NoError(err)
	territories, err := s.catalog.TerritoriesByMap(context.Background(), testMapID)
	s.Require().NoError(err)
	s.Len(territories, 1)

	err = s.catalog.RemoveTerritory(context.Background(), territory.ID)
	s.Require().NoError(err)
	territories, err = s.catalog.TerritoriesByMap(context.Background(), testMapID)
	s.Require().NoError(err)
	s.Empty(territories)
	// Soft delete keeps the row.
	s.Contains(s.mall.territories, territory.ID)
	s.Equal([]string{testMapID, testMapID}, s.broadcaster.mapUpdates)
}

func (s *catalogSuite) TestMaxPlayersValidation() {
	_, err := s.catalog.AddTerritory(context.Background(), store.Territory{
		MapID:      testMapID,
		Name:       "South Bay",
		MaxPlayers: nulls.NewInt(0),
	})
	e, _ := errors.Cast(err)
	s.Equal(errors.ErrBadRequest, e.Code, "zero max players should be rejected")
	_, err = s.catalog.AddTerritory(context.Background(), store.Territory{
		MapID:      testMapID,
		Name:       "South Bay",
		MaxPlayers: nulls.NewInt(-3),
	})
	e, _ = errors.Cast(err)
	s.Equal(errors.ErrBadRequest, e.Code, "negative max players should be rejected")
	territories, err := s.catalog.TerritoriesByMap(context.Background(), testMapID)
	s.Require().NoError(err)
	s.Empty(territories, "no territory should have been created")

	_, err = s.catalog.InstantiateTemplate(context.Background(), "some-template", testMapID,
		nulls.NewInt(0))
	e, _ = errors.Cast(err)
	s.Equal(errors.ErrBadRequest, e.Code, "zero max players should be rejected")
}

func (s *catalogSuite) TestRemoveUnknownTerritory() {
	err := s.catalog.RemoveTerritory(context.Background(), "unknown")
	e, _ := errors.Cast(err)
	s.Equal(errors.ErrNotFound, e.Code)
}

func TestCatalog(t *testing.T) {
	suite.Run(t, new(catalogSuite))
}
