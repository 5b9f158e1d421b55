package export

import (
	"bytes"
	"encoding/binary"
	"testing"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var magic = []byte{0x66, 0x67, 0x62, 0x03, 0x66, 0x67, 0x62, 0x00}

func strPtr(s string) *string { return &s }
func intPtr(i int64) *int64   { return &i }

// decodeProps reads back the [index][value] pairs written by encodeProperties.
func decodeProps(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	for off := 0; off < len(data); {
		col := binary.LittleEndian.Uint16(data[off:])
		off += 2
		switch columns[col].typ {
		case flattypes.ColumnTypeLong:
			out[columns[col].name] = int64(binary.LittleEndian.Uint64(data[off:]))
			off += 8
		default:
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			out[columns[col].name] = string(data[off : off+n])
			off += n
		}
	}
	return out
}

func TestEncodeProperties(t *testing.T) {
	props := decodeProps(t, encodeProperties(Feature{
		PolygonID: 9,
		Name:      strPtr("test"),
		ClassID:   intPtr(3),
		Props:     []byte(`{"prop1":"value"}`),
	}))
	assert.Equal(t, map[string]interface{}{
		"polygon_id": int64(9),
		"name":       "test",
		"class_id":   int64(3),
		"props":      `{"prop1":"value"}`,
	}, props)

	props = decodeProps(t, encodeProperties(Feature{PolygonID: 1, Props: []byte("null")}))
	assert.Equal(t, map[string]interface{}{"polygon_id": int64(1)}, props)
}

func TestPolygonToXYEnds(t *testing.T) {
	xy, ends := polygonToXYEnds(orb.Polygon{
		{{0, 0}, {10, 0}, {10, 10}, {0, 0}},
		{{2, 2}, {4, 2}, {4, 4}, {2, 2}},
	})
	assert.Len(t, xy, 16)
	assert.Equal(t, []uint32{4, 8}, ends)
}

func TestWriteRoundTrip(t *testing.T) {
	features := []Feature{
		{PolygonID: 1, Name: strPtr("a"), Polygon: orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 0}}}},
		{PolygonID: 2, ClassID: intPtr(5), Polygon: orb.Polygon{{{20, 20}, {30, 20}, {30, 30}, {20, 20}}}},
		{PolygonID: 3}, // no geometry
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, features, Options{Name: "gis_polygon", EPSG: 4326}))
	require.True(t, bytes.HasPrefix(buf.Bytes(), magic))

	fgb, err := flatgeobuf.NewWithData(buf.Bytes())
	require.NoError(t, err)

	h := fgb.Header()
	require.NotNil(t, h)
	assert.Equal(t, "gis_polygon", string(h.Name()))
	assert.Equal(t, flattypes.GeometryTypePolygon, h.GeometryType())
	assert.Equal(t, uint64(2), h.FeaturesCount())
	assert.Greater(t, h.IndexNodeSize(), uint16(0))
	require.Equal(t, 4, h.ColumnsLength())

	var col flattypes.Column
	require.True(t, h.Columns(&col, 1))
	assert.Equal(t, "name", string(col.Name()))
	assert.Equal(t, flattypes.ColumnTypeString, col.Type())

	var crs flattypes.Crs
	require.NotNil(t, h.Crs(&crs))
	assert.Equal(t, int32(4326), crs.Code())

	found, err := fgb.Search(-180, -90, 180, 90)
	require.NoError(t, err)
	require.Len(t, found, 2)

	byID := map[int64]map[string]interface{}{}
	for _, f := range found {
		raw := make([]byte, f.PropertiesLength())
		for i := range raw {
			raw[i] = byte(f.Properties(i))
		}
		props := decodeProps(t, raw)
		byID[props["polygon_id"].(int64)] = props

		var g flattypes.Geometry
		require.NotNil(t, f.Geometry(&g))
		assert.Equal(t, 8, g.XyLength())
		assert.Equal(t, 1, g.EndsLength())
	}
	assert.Equal(t, "a", byID[1]["name"])
	assert.Equal(t, int64(5), byID[2]["class_id"])
}

func TestWriteEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, Options{EPSG: 32644}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), magic))
}
