package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gis-polygon/internal/cache"
	"gis-polygon/internal/codec"
	"gis-polygon/internal/events"
	"gis-polygon/internal/metrics"
	mdlwr "gis-polygon/internal/middleware"
	"gis-polygon/internal/models"
	"gis-polygon/internal/projection"
	"gis-polygon/internal/services"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory PolygonStore.
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]models.Polygon
	nextID int64
	err    error

	// afterRead, when set, runs once a List or Get has copied its rows.
	afterRead func(op string)
}

func newMemStore(rows ...models.Polygon) *memStore {
	s := &memStore{rows: map[int64]models.Polygon{}, nextID: 1}
	for _, r := range rows {
		s.rows[r.ID] = r
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
	return s
}

func (s *memStore) List(context.Context) ([]models.Polygon, error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	out := make([]models.Polygon, 0, len(s.rows))
	for id := int64(1); id < s.nextID; id++ {
		if r, ok := s.rows[id]; ok {
			out = append(out, r)
		}
	}
	hook := s.afterRead
	s.mu.Unlock()

	if hook != nil {
		hook("list")
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id int64) (*models.Polygon, error) {
	s.mu.Lock()
	r, ok := s.rows[id]
	hook := s.afterRead
	s.mu.Unlock()

	if !ok {
		return nil, services.ErrPolygonNotFound
	}
	if hook != nil {
		hook("get")
	}
	return &r, nil
}

func (s *memStore) Create(_ context.Context, p *models.Polygon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	p.ID = s.nextID
	s.nextID++
	s.rows[p.ID] = *p
	return nil
}

func (s *memStore) Patch(_ context.Context, id int64, patch models.PolygonPatch) (*models.Polygon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, services.ErrPolygonNotFound
	}
	patch.Apply(&r)
	r.Edited = time.Now()
	s.rows[id] = r
	return &r, nil
}

func (s *memStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return services.ErrPolygonNotFound
	}
	delete(s.rows, id)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}
func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	store  *memStore
	cache  *cache.Memory
	pub    *recordingPublisher
	router chi.Router
}

func newFixture(t *testing.T, rows ...models.Polygon) *fixture {
	t.Helper()
	mem, err := cache.NewMemory(64)
	require.NoError(t, err)

	f := &fixture{store: newMemStore(rows...), cache: mem, pub: &recordingPublisher{}}
	h := NewPolygonHandler(PolygonHandlerConfig{
		Store:     f.store,
		Resolver:  projection.NewResolver(projection.DefaultAllowList()),
		Codec:     codec.New(),
		Cache:     mem,
		CacheTTL:  time.Minute,
		Publisher: f.pub,
		Metrics:   metrics.NewWithRegisterer(prometheus.NewRegistry()),
	})

	r := chi.NewRouter()
	r.Route("/api/polygon", func(r chi.Router) {
		r.Get("/", h.ListPolygons)
		r.Post("/", h.CreatePolygon)
		r.Get("/export.fgb", h.ExportPolygons)
		r.Get("/{id}", h.GetPolygon)
		r.Put("/{id}", h.UpdatePolygon)
		r.Delete("/{id}", h.DeletePolygon)
	})
	f.router = r
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func storedTriangle() models.Polygon {
	return models.Polygon{
		ID:   1,
		Geom: models.NewGeometry(orb.Polygon{{{0, 0}, {1, 1}, {1, 0}, {0, 0}}}),
	}
}

const polygonForTest = `{
	"geom": {
		"type": "Polygon",
		"class_id": 1,
		"coordinates": [[
			[40.42968749999999, 63.31268278043484],
			[35.15625, 57.89149735271034],
			[46.7578125, 54.265224078605684],
			[60.1171875, 57.61010702068388],
			[55.8984375, 63.470144746565424],
			[40.42968749999999, 63.31268278043484]
		]]
	},
	"name": "test polygon"
}`

const triangleDoc = `{"polygon_id":1,"class_id":null,"geom":{"type":"Polygon","coordinates":[[[0,0],[1,1],[1,0],[0,0]]]},"props":null,"name":null}`
const triangleNullGeomDoc = `{"polygon_id":1,"class_id":null,"geom":null,"props":null,"name":null}`

func TestCreatePolygon(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{"valid", polygonForTest, http.StatusOK, `{"info":"ok"}`},
		{"empty coordinates", `{"geom":{"type":"Polygon","coordinates":[]},"name":"test polygon"}`, http.StatusBadRequest, `{"errors":{"geom":["Not a valid polygon."]}}`},
		{"empty geom", `{"geom":{},"name":"test polygon"}`, http.StatusBadRequest, `{"errors":{"geom":["Not a valid polygon."]}}`},
		{"empty body", `{}`, http.StatusBadRequest, `{"errors":{"geom":["Not a valid polygon."]}}`},
		{"not json", `geom=1`, http.StatusBadRequest, `{"error":"invalid request body"}`},
		{"array body", `[]`, http.StatusBadRequest, `{"error":"invalid request body"}`},
		{"bad name and class", `{"geom":{},"name":5,"class_id":"x"}`, http.StatusBadRequest,
			`{"errors":{"geom":["Not a valid polygon."],"name":["Not a valid string."],"class_id":["Not a valid integer."]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(http.MethodPost, "/api/polygon", tt.body)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestCreatePolygonWithProjection(t *testing.T) {
	tests := []struct {
		endpoint string
		wantCode int
	}{
		{"/api/polygon?projection=epsg:4326", http.StatusOK},
		{"/api/polygon?projection=epsg:32644", http.StatusOK},
		{"/api/polygon?projection=EPSG:32644", http.StatusOK},
		{"/api/polygon?projection=epsg:12345", http.StatusBadRequest},
		{"/api/polygon?projection=epsg4326", http.StatusBadRequest},
		{"/api/polygon?anotherArgs=canWorks", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(http.MethodPost, tt.endpoint, polygonForTest)
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantCode == http.StatusBadRequest {
				assert.JSONEq(t, `{"error":"incorrect projection"}`, rr.Body.String())
			}
		})
	}
}

func TestCreatePolygonStoresWGS84(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/polygon?projection=epsg:32644",
		`{"geom":{"type":"Polygon","coordinates":[[[0,0],[1,1],[1,0]]]},"name":"n","class_id":2,"props":{"a":1}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	p, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, p.Geom.Polygon[0], 4)
	for _, pt := range p.Geom.Polygon[0] {
		assert.InDelta(t, 76.5, pt[0], 0.1)
		assert.InDelta(t, 0, pt[1], 0.001)
	}
	assert.Equal(t, "n", *p.Name)
	assert.Equal(t, int64(2), *p.ClassID)
	assert.JSONEq(t, `{"a":1}`, string(p.Props))

	require.Len(t, f.pub.events, 1)
	ev := f.pub.events[0]
	assert.Equal(t, events.OpCreated, ev.Op)
	assert.Equal(t, int64(1), ev.PolygonID)
	assert.NotEmpty(t, ev.Geometry)
	require.NotNil(t, ev.BBox)
	assert.Equal(t, "EPSG:4326", ev.BBox.SRID)
}

func TestCreatePolygonStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("connection refused")
	rr := f.do(http.MethodPost, "/api/polygon", polygonForTest)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, f.pub.events)
}

func TestGetPolygons(t *testing.T) {
	f := newFixture(t, storedTriangle())
	rr := f.do(http.MethodGet, "/api/polygon", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"polygons":[`+triangleDoc+`]}`, rr.Body.String())
}

func TestGetPolygonsEmpty(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/api/polygon", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"polygons":[]}`, rr.Body.String())
}

func TestGetPolygonsWithProjection(t *testing.T) {
	tests := []struct {
		endpoint string
		wantCode int
		wantBody string
	}{
		{"/api/polygon?projection=epsg:4326", http.StatusOK, `{"polygons":[` + triangleDoc + `]}`},
		{"/api/polygon?projection=epsg:32644", http.StatusOK, `{"polygons":[` + triangleNullGeomDoc + `]}`},
		{"/api/polygon?projection=epsg:12345", http.StatusBadRequest, `{"error":"incorrect projection"}`},
		{"/api/polygon?projection=epsg4326", http.StatusBadRequest, `{"error":"incorrect projection"}`},
		{"/api/polygon?anotherArgs=canWorks", http.StatusOK, `{"polygons":[` + triangleDoc + `]}`},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			f := newFixture(t, storedTriangle())
			rr := f.do(http.MethodGet, tt.endpoint, "")
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestGetPolygonWithProjection(t *testing.T) {
	tests := []struct {
		endpoint string
		wantCode int
		wantBody string
	}{
		{"/api/polygon/1?projection=epsg:4326", http.StatusOK, triangleDoc},
		{"/api/polygon/1?projection=epsg:32644", http.StatusOK, triangleNullGeomDoc},
		{"/api/polygon/1?projection=epsg:12345", http.StatusBadRequest, `{"error":"incorrect projection"}`},
		{"/api/polygon/1?projection=epsg4326", http.StatusBadRequest, `{"error":"incorrect projection"}`},
		{"/api/polygon/1?anotherArgs=canWorks", http.StatusOK, triangleDoc},
		{"/api/polygon/1", http.StatusOK, triangleDoc},
		{"/api/polygon/2", http.StatusNotFound, `{"error":"polygon not found"}`},
		{"/api/polygon/abc", http.StatusNotFound, `{"error":"polygon not found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			f := newFixture(t, storedTriangle())
			rr := f.do(http.MethodGet, tt.endpoint, "")
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestGetPolygonInUTM(t *testing.T) {
	stored := models.Polygon{
		ID:   1,
		Geom: models.NewGeometry(orb.Polygon{{{80, 20}, {81, 21}, {82, 20}, {80, 20}}}),
	}
	f := newFixture(t, stored)

	rr := f.do(http.MethodGet, "/api/polygon/1?projection=epsg:32644", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var doc struct {
		Geom struct {
			Type        string        `json:"type"`
			Coordinates [][][]float64 `json:"coordinates"`
		} `json:"geom"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "Polygon", doc.Geom.Type)
	require.Len(t, doc.Geom.Coordinates[0], 4)
	// lon 81 is the zone 44 central meridian
	assert.InDelta(t, 500000, doc.Geom.Coordinates[0][1][0], 1e-6)
	assert.Greater(t, doc.Geom.Coordinates[0][0][1], 2_000_000.0)
}

func TestEditPolygon(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", polygonForTest, http.StatusOK},
		{"empty coordinates", `{"geom":{"type":"Polygon","coordinates":[]},"name":"test polygon"}`, http.StatusBadRequest},
		{"empty geom", `{"geom":{},"name":"test polygon"}`, http.StatusBadRequest},
		{"missing geom", `{"name":"test polygon"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, storedTriangle())
			rr := f.do(http.MethodPut, "/api/polygon/1", tt.body)
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
		})
	}
}

func TestEditPolygonKeepsAbsentFields(t *testing.T) {
	name := "keep"
	class := int64(4)
	row := storedTriangle()
	row.Name = &name
	row.ClassID = &class
	row.Props = models.Props(`{"k":true}`)
	f := newFixture(t, row)

	rr := f.do(http.MethodPut, "/api/polygon/1",
		`{"geom":{"type":"Polygon","coordinates":[[[0,0],[2,2],[2,0]]]},"class_id":null}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"info":"ok"}`, rr.Body.String())

	p, err := f.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "keep", *p.Name)
	assert.Nil(t, p.ClassID)
	assert.JSONEq(t, `{"k":true}`, string(p.Props))
	assert.Equal(t, orb.Point{2, 2}, p.Geom.Polygon[0][1])
	assert.False(t, p.Edited.IsZero())
}

func TestEditPolygonNotFound(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"valid body", polygonForTest},
		{"invalid body", `{"geom":{}}`},
		{"not json", `geom=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, storedTriangle())
			rr := f.do(http.MethodPut, "/api/polygon/101", tt.body)
			assert.Equal(t, http.StatusNotFound, rr.Code)
			assert.JSONEq(t, `{"error":"polygon not found"}`, rr.Body.String())
		})
	}
}

// A read that loaded its row before a concurrent write must not leave its
// stale copy in the cache once the write has returned.
func TestReadRacingWriteDoesNotCacheStaleDocument(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		target string
	}{
		{"single", "get", "/api/polygon/1"},
		{"list", "list", "/api/polygon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, storedTriangle())

			loaded := make(chan struct{})
			release := make(chan struct{})
			var first atomic.Bool
			f.store.mu.Lock()
			f.store.afterRead = func(op string) {
				if op != tt.op || !first.CompareAndSwap(false, true) {
					return
				}
				close(loaded)
				<-release
			}
			f.store.mu.Unlock()

			done := make(chan *httptest.ResponseRecorder)
			go func() { done <- f.do(http.MethodGet, tt.target, "") }()
			<-loaded

			rr := f.do(http.MethodPut, "/api/polygon/1", `{"geom":{"type":"Polygon","coordinates":[[[5,5],[6,6],[6,5]]]}}`)
			require.Equal(t, http.StatusOK, rr.Code)

			close(release)
			stale := <-done
			require.Equal(t, http.StatusOK, stale.Code)
			assert.NotContains(t, stale.Body.String(), "[5,5]")

			rr = f.do(http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), "[5,5]")
		})
	}
}

func TestDeletePolygon(t *testing.T) {
	tests := []struct {
		id       string
		wantCode int
	}{
		{"1", http.StatusOK},
		{"101", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			f := newFixture(t, storedTriangle())
			rr := f.do(http.MethodDelete, "/api/polygon/"+tt.id, "")
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}
}

func TestDeletePublishesEvent(t *testing.T) {
	f := newFixture(t, storedTriangle())
	rr := f.do(http.MethodDelete, "/api/polygon/1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.OpDeleted, f.pub.events[0].Op)
	assert.Nil(t, f.pub.events[0].Geometry)
}

func TestReadsAreCachedAndWritesInvalidate(t *testing.T) {
	f := newFixture(t, storedTriangle())
	ctx := context.Background()

	rr := f.do(http.MethodGet, "/api/polygon/1?projection=epsg:32644", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = f.do(http.MethodGet, "/api/polygon", "")
	require.Equal(t, http.StatusOK, rr.Code)

	_, ok, _ := f.cache.Get(ctx, cache.PolygonKey(1, "epsg:32644"))
	require.True(t, ok)
	_, ok, _ = f.cache.Get(ctx, cache.ListKey("epsg:4326"))
	require.True(t, ok)

	// a cached list is served even if the store changes underneath
	f.store.rows[1] = models.Polygon{ID: 1}
	rr = f.do(http.MethodGet, "/api/polygon", "")
	assert.JSONEq(t, `{"polygons":[`+triangleDoc+`]}`, rr.Body.String())

	rr = f.do(http.MethodPut, "/api/polygon/1", `{"geom":{"type":"Polygon","coordinates":[[[0,0],[2,2],[2,0]]]}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	_, ok, _ = f.cache.Get(ctx, cache.PolygonKey(1, "epsg:32644"))
	assert.False(t, ok)
	_, ok, _ = f.cache.Get(ctx, cache.ListKey("epsg:4326"))
	assert.False(t, ok)

	rr = f.do(http.MethodGet, "/api/polygon/1", "")
	assert.Contains(t, rr.Body.String(), "[2,2]")
}

func TestExportPolygons(t *testing.T) {
	name := "a"
	f := newFixture(t,
		models.Polygon{ID: 1, Name: &name, Geom: models.NewGeometry(orb.Polygon{{{80, 20}, {81, 21}, {82, 20}, {80, 20}}})},
		models.Polygon{ID: 2, Geom: models.NewGeometry(orb.Polygon{{{0, 0}, {1, 1}, {1, 0}, {0, 0}}})},
	)

	rr := f.do(http.MethodGet, "/api/polygon/export.fgb?projection=epsg:32644", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/flatgeobuf", rr.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x66, 0x67, 0x62, 0x03}, rr.Body.Bytes()[:4])

	fgb, err := flatgeobuf.NewWithData(rr.Body.Bytes())
	require.NoError(t, err)
	// polygon 2 sits outside the UTM zone and is skipped
	assert.Equal(t, uint64(1), fgb.Header().FeaturesCount())

	rr = f.do(http.MethodGet, "/api/polygon/export.fgb?id=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	fgb, err = flatgeobuf.NewWithData(rr.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fgb.Header().FeaturesCount())

	rr = f.do(http.MethodGet, "/api/polygon/export.fgb?id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(http.MethodGet, "/api/polygon/export.fgb?projection=bad", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransformUnavailableOnWrite(t *testing.T) {
	f := newFixture(t)
	h := NewPolygonHandler(PolygonHandlerConfig{
		Store:    f.store,
		Resolver: projection.NewResolver(projection.AllowList{"EPSG": {"4326": {}, "2056": {}}}),
		Codec:    codec.New(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/polygon?projection=EPSG:2056", strings.NewReader(polygonForTest))
	rr := httptest.NewRecorder()
	h.CreatePolygon(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.JSONEq(t, `{"error":"projection transform unavailable"}`, rr.Body.String())
	assert.Empty(t, f.store.rows)
}

func TestWriteEventCarriesAuthenticatedUser(t *testing.T) {
	f := newFixture(t, storedTriangle())

	req := httptest.NewRequest(http.MethodDelete, "/api/polygon/1", nil)
	req = req.WithContext(context.WithValue(req.Context(), mdlwr.ContextUserIDKey, "editor"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, "editor", f.pub.events[0].Actor)
}
