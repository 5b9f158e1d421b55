package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"gis-polygon/internal/cache"
	"gis-polygon/internal/codec"
	"gis-polygon/internal/events"
	"gis-polygon/internal/export"
	"gis-polygon/internal/metrics"
	mdlwr "gis-polygon/internal/middleware"
	"gis-polygon/internal/models"
	"gis-polygon/internal/projection"
	"gis-polygon/internal/reproject"
	"gis-polygon/internal/services"
	"gis-polygon/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

const maxBodyBytes = 10 << 20

// PolygonStore is the persistence the handler needs.
type PolygonStore interface {
	List(ctx context.Context) ([]models.Polygon, error)
	Get(ctx context.Context, id int64) (*models.Polygon, error)
	Create(ctx context.Context, p *models.Polygon) error
	Patch(ctx context.Context, id int64, patch models.PolygonPatch) (*models.Polygon, error)
	Delete(ctx context.Context, id int64) error
}

// PolygonHandlerConfig wires the handler's collaborators. Only Store,
// Resolver and Codec are required.
type PolygonHandlerConfig struct {
	Store     PolygonStore
	Resolver  *projection.Resolver
	Codec     *codec.Codec
	Cache     cache.Cache
	CacheTTL  time.Duration
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type PolygonHandler struct {
	store     PolygonStore
	resolver  *projection.Resolver
	codec     *codec.Codec
	cache     cache.Cache
	cacheTTL  time.Duration
	publisher events.Publisher
	metrics   *metrics.Metrics
	logr      *zap.Logger
}

func NewPolygonHandler(cfg PolygonHandlerConfig) *PolygonHandler {
	h := &PolygonHandler{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		codec:     cfg.Codec,
		cache:     cfg.Cache,
		cacheTTL:  cfg.CacheTTL,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logr:      cfg.Logger,
	}
	if h.cache == nil {
		h.cache = cache.Nop{}
	}
	if h.publisher == nil {
		h.publisher = events.Noop{}
	}
	if h.logr == nil {
		h.logr = zap.NewNop()
	}
	return h
}

// ListPolygons returns every polygon wrapped as {"polygons": [...]}
func (h *PolygonHandler) ListPolygons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	crs, ok := h.resolve(w, r)
	if !ok {
		return
	}

	key := cache.ListKey(crs.Key())
	if body, hit := h.cached(ctx, key); hit {
		writeRawJSON(w, http.StatusOK, body)
		return
	}
	gen := h.generation(ctx, cache.ListGenerationKey)

	polygons, err := h.store.List(ctx)
	if err != nil {
		h.logr.Error("failed to list polygons", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve polygons")
		return
	}

	docs := make([]models.PolygonDocument, 0, len(polygons))
	for i := range polygons {
		docs = append(docs, h.document(&polygons[i], crs))
	}

	body, err := json.Marshal(models.PolygonCollection{Polygons: docs})
	if err != nil {
		h.logr.Error("failed to encode polygons", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve polygons")
		return
	}
	h.remember(ctx, key, body, cache.ListGenerationKey, gen)

	h.logr.Info("all polygons received", zap.Int("count", len(docs)))
	writeRawJSON(w, http.StatusOK, body)
}

// GetPolygon returns a single polygon document.
func (h *PolygonHandler) GetPolygon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := polygonID(w, r)
	if !ok {
		return
	}
	crs, ok := h.resolve(w, r)
	if !ok {
		return
	}

	key := cache.PolygonKey(id, crs.Key())
	if body, hit := h.cached(ctx, key); hit {
		writeRawJSON(w, http.StatusOK, body)
		return
	}
	gen := h.generation(ctx, cache.GenerationKey(id))

	p, err := h.store.Get(ctx, id)
	if err != nil {
		h.storeError(w, err, id, "failed to retrieve polygon")
		return
	}

	body, err := json.Marshal(h.document(p, crs))
	if err != nil {
		h.logr.Error("failed to encode polygon", zap.Error(err), zap.Int64("polygon_id", id))
		writeError(w, http.StatusInternalServerError, "failed to retrieve polygon")
		return
	}
	h.remember(ctx, key, body, cache.GenerationKey(id), gen)

	h.logr.Info("polygon received", zap.Int64("polygon_id", id))
	writeRawJSON(w, http.StatusOK, body)
}

// CreatePolygon stores a new polygon given in the requested projection.
func (h *PolygonHandler) CreatePolygon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	crs, ok := h.resolve(w, r)
	if !ok {
		return
	}
	payload, poly, ok := h.decodeBody(w, r, crs)
	if !ok {
		return
	}

	p := &models.Polygon{
		ClassID: payload.ClassID,
		Name:    payload.Name,
		Props:   payload.Props,
		Geom:    models.NewGeometry(poly),
	}
	if err := h.store.Create(ctx, p); err != nil {
		h.logr.Error("failed to create polygon", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create polygon")
		return
	}

	h.afterWrite(ctx, events.OpCreated, p.ID, poly)
	h.logr.Info("polygon created", zap.Int64("polygon_id", p.ID), zap.String("user_id", mdlwr.UserID(ctx)))
	writeJSON(w, http.StatusOK, map[string]string{"info": "ok"})
}

// UpdatePolygon replaces geom and any of name, props, class_id present in the body.
// An unknown id is reported before the body is validated.
func (h *PolygonHandler) UpdatePolygon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := polygonID(w, r)
	if !ok {
		return
	}
	crs, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Get(ctx, id); err != nil {
		h.storeError(w, err, id, "failed to update polygon")
		return
	}
	payload, poly, ok := h.decodeBody(w, r, crs)
	if !ok {
		return
	}

	patch := models.PolygonPatch{
		Geom:       models.NewGeometry(poly),
		Name:       payload.Name,
		SetName:    payload.NameSet,
		ClassID:    payload.ClassID,
		SetClassID: payload.ClassIDSet,
		Props:      payload.Props,
		SetProps:   payload.PropsSet,
	}
	if _, err := h.store.Patch(ctx, id, patch); err != nil {
		h.storeError(w, err, id, "failed to update polygon")
		return
	}

	h.afterWrite(ctx, events.OpUpdated, id, poly)
	h.logr.Info("polygon edited", zap.Int64("polygon_id", id), zap.String("user_id", mdlwr.UserID(ctx)))
	writeJSON(w, http.StatusOK, map[string]string{"info": "ok"})
}

// DeletePolygon removes a polygon.
func (h *PolygonHandler) DeletePolygon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := polygonID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(ctx, id); err != nil {
		h.storeError(w, err, id, "failed to delete polygon")
		return
	}

	h.afterWrite(ctx, events.OpDeleted, id, nil)
	h.logr.Info("polygon deleted", zap.Int64("polygon_id", id), zap.String("user_id", mdlwr.UserID(ctx)))
	writeJSON(w, http.StatusOK, map[string]string{"info": "ok"})
}

// ExportPolygons streams polygons as a FlatGeobuf file in the requested
// projection, optionally restricted by ?id=1,2. Polygons that cannot be
// reprojected are left out.
func (h *PolygonHandler) ExportPolygons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	crs, ok := h.resolve(w, r)
	if !ok {
		return
	}
	only, err := utils.ParseIDList(r.URL.Query(), "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	polygons, err := h.store.List(ctx)
	if err != nil {
		h.logr.Error("failed to list polygons for export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export polygons")
		return
	}

	features := make([]export.Feature, 0, len(polygons))
	skipped := 0
	for _, p := range polygons {
		if only != nil {
			if _, ok := only[p.ID]; !ok {
				continue
			}
		}
		f := export.Feature{
			PolygonID: p.ID,
			Name:      p.Name,
			ClassID:   p.ClassID,
			Props:     p.Props,
		}
		if p.Geom != nil {
			g, err := h.codec.Encode(p.Geom.Polygon, crs)
			if err != nil || g == nil {
				skipped++
				continue
			}
			f.Polygon, _ = g.Geometry().(orb.Polygon)
		}
		features = append(features, f)
	}

	epsg := 4326
	if crs != nil {
		if code, ok := crs.EPSG(); ok {
			epsg = code
		}
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, features, export.Options{Name: "gis_polygon", EPSG: epsg}); err != nil {
		h.logr.Error("failed to write flatgeobuf", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export polygons")
		return
	}

	h.logr.Info("polygons exported",
		zap.Int("count", len(features)),
		zap.Int("skipped", skipped),
		zap.String("crs", crs.Key()),
	)
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="gis_polygon.fgb"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *PolygonHandler) resolve(w http.ResponseWriter, r *http.Request) (*projection.CRS, bool) {
	crs, err := h.resolver.Resolve(r.URL.Query().Get("projection"))
	if err != nil {
		h.logr.Debug("incorrect projection", zap.String("projection", r.URL.Query().Get("projection")))
		writeError(w, http.StatusBadRequest, projection.ErrInvalidProjection.Error())
		return nil, false
	}
	return crs, true
}

// decodeBody runs body parsing, field validation, and the transform into
// storage coordinates, writing the error response itself on failure.
func (h *PolygonHandler) decodeBody(w http.ResponseWriter, r *http.Request, crs *projection.CRS) (*polygonPayload, orb.Polygon, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody.Error())
		return nil, nil, false
	}

	payload, errs, err := parsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody.Error())
		return nil, nil, false
	}

	poly, err := h.codec.Decode(payload.Geom, crs)
	var geomErrs *codec.FieldErrors
	var transformErr error
	switch {
	case errors.As(err, &geomErrs):
		for field, msgs := range *geomErrs {
			for _, m := range msgs {
				errs.Add(field, m)
			}
		}
	case err != nil:
		transformErr = err
	}

	if len(errs) > 0 {
		h.metrics.Codec(metrics.StageDecode, metrics.OutcomeInvalid)
		h.logr.Debug("validation error, polygon write cancelled", zap.Error(errs))
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return nil, nil, false
	}
	if transformErr != nil {
		h.metrics.Codec(metrics.StageDecode, metrics.OutcomeTransformFailed)
		h.logr.Debug("transform failed, polygon write cancelled",
			zap.Error(transformErr),
			zap.String("crs", crs.Key()),
		)
		writeError(w, http.StatusUnprocessableEntity, reproject.ErrTransformUnavailable.Error())
		return nil, nil, false
	}

	h.metrics.Codec(metrics.StageDecode, metrics.OutcomeOK)
	return payload, poly, true
}

// document renders a stored row. A geometry that cannot be encoded in crs
// is emitted as null.
func (h *PolygonHandler) document(p *models.Polygon, crs *projection.CRS) models.PolygonDocument {
	doc := models.PolygonDocument{
		PolygonID: p.ID,
		ClassID:   p.ClassID,
		Props:     p.Props,
		Name:      p.Name,
	}
	if p.Geom == nil {
		return doc
	}

	g, err := h.codec.Encode(p.Geom.Polygon, crs)
	if err != nil {
		h.metrics.Codec(metrics.StageEncode, metrics.OutcomeTransformFailed)
		h.logr.Debug("geometry not representable in projection",
			zap.Int64("polygon_id", p.ID),
			zap.String("crs", crs.Key()),
			zap.Error(err),
		)
		return doc
	}
	h.metrics.Codec(metrics.StageEncode, metrics.OutcomeOK)
	doc.Geom = g
	return doc
}

func (h *PolygonHandler) storeError(w http.ResponseWriter, err error, id int64, msg string) {
	if errors.Is(err, services.ErrPolygonNotFound) {
		writeError(w, http.StatusNotFound, services.ErrPolygonNotFound.Error())
		return
	}
	h.logr.Error(msg, zap.Error(err), zap.Int64("polygon_id", id))
	writeError(w, http.StatusInternalServerError, msg)
}

func (h *PolygonHandler) cached(ctx context.Context, key string) ([]byte, bool) {
	body, ok, err := h.cache.Get(ctx, key)
	switch {
	case err != nil:
		h.metrics.Cache(metrics.CacheError)
		h.logr.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	case !ok:
		h.metrics.Cache(metrics.CacheMiss)
		return nil, false
	}
	h.metrics.Cache(metrics.CacheHit)
	return body, true
}

// generation returns the current write marker under genKey, "" if none.
func (h *PolygonHandler) generation(ctx context.Context, genKey string) string {
	g, _, err := h.cache.Get(ctx, genKey)
	if err != nil {
		h.logr.Warn("cache read failed", zap.String("key", genKey), zap.Error(err))
	}
	return string(g)
}

// remember stores body unless a write happened since gen was read. The
// marker is checked after the store so a write racing the Set is caught.
func (h *PolygonHandler) remember(ctx context.Context, key string, body []byte, genKey, gen string) {
	if err := h.cache.Set(ctx, key, body, h.cacheTTL); err != nil {
		h.metrics.Cache(metrics.CacheError)
		h.logr.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	if h.generation(ctx, genKey) == gen {
		return
	}
	if err := h.cache.Del(ctx, key); err != nil {
		h.metrics.Cache(metrics.CacheError)
		h.logr.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

// afterWrite moves the generation markers on, drops every cached document
// the write may have staled and publishes the change event. Markers move
// first so a read that loaded before the write cannot re-cache its copy.
func (h *PolygonHandler) afterWrite(ctx context.Context, op string, id int64, poly orb.Polygon) {
	crss := []string{projection.DefaultCRS.String()}
	for _, c := range h.resolver.AllowList().CRSs() {
		if c.String() != projection.DefaultCRS.String() {
			crss = append(crss, c.String())
		}
	}
	mark := []byte(uuid.NewString())
	for _, k := range []string{cache.GenerationKey(id), cache.ListGenerationKey} {
		if err := h.cache.Set(ctx, k, mark, h.cacheTTL); err != nil {
			h.metrics.Cache(metrics.CacheError)
			h.logr.Warn("cache generation bump failed", zap.String("key", k), zap.Error(err))
		}
	}
	if err := h.cache.Del(ctx, cache.InvalidationKeys(id, crss)...); err != nil {
		h.metrics.Cache(metrics.CacheError)
		h.logr.Warn("cache invalidation failed", zap.Int64("polygon_id", id), zap.Error(err))
	}

	ev := events.NewEvent(op, id)
	ev.Actor = mdlwr.UserID(ctx)
	if poly != nil {
		if raw, err := json.Marshal(geojson.NewGeometry(poly)); err == nil {
			ev.Geometry = raw
		}
		b := poly.Bound()
		ev.BBox = &events.BBox{X1: b.Min[0], Y1: b.Min[1], X2: b.Max[0], Y2: b.Max[1], SRID: "EPSG:4326"}
	}
	h.publisher.Publish(ev)
}

func polygonID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, services.ErrPolygonNotFound.Error())
		return 0, false
	}
	return id, true
}
