// Package export writes polygon collections as FlatGeobuf.
package export

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// ContentType is the media type served for FlatGeobuf downloads.
const ContentType = "application/flatgeobuf"

// column order is fixed; property bytes refer to columns by index
const (
	colPolygonID uint16 = iota
	colName
	colClassID
	colProps
)

var columns = []struct {
	name string
	typ  flattypes.ColumnType
}{
	colPolygonID: {"polygon_id", flattypes.ColumnTypeLong},
	colName:      {"name", flattypes.ColumnTypeString},
	colClassID:   {"class_id", flattypes.ColumnTypeLong},
	colProps:     {"props", flattypes.ColumnTypeJson},
}

// Feature is one exported row. Polygon is already in the target CRS.
type Feature struct {
	PolygonID int64
	Name      *string
	ClassID   *int64
	Props     []byte
	Polygon   orb.Polygon
}

// Options configures the layer header.
type Options struct {
	Name string
	EPSG int
}

// Write encodes features to w. Features without geometry are skipped.
func Write(w io.Writer, features []Feature, opts Options) error {
	kept := make([]Feature, 0, len(features))
	for _, f := range features {
		if len(f.Polygon) > 0 {
			kept = append(kept, f)
		}
	}

	builder := flatbuffers.NewBuilder(4096)

	header := writer.NewHeader(builder)
	header.SetGeometryType(flattypes.GeometryTypePolygon)
	if opts.Name != "" {
		header.SetName(opts.Name)
	}

	cols := make([]*writer.Column, 0, len(columns))
	for _, c := range columns {
		col := writer.NewColumn(builder)
		col.SetName(c.name)
		col.SetTitle(c.name)
		col.SetType(c.typ)
		col.SetNullable(c.name != "polygon_id")
		cols = append(cols, col)
	}
	header.SetColumns(cols)

	if opts.EPSG > 0 {
		crs := writer.NewCrs(builder)
		crs.SetOrg("EPSG")
		crs.SetCode(int32(opts.EPSG))
		header.SetCrs(crs)
	}

	// the packed R-tree needs at least one feature
	includeIndex := len(kept) > 0
	fgb := writer.NewWriter(header, includeIndex, &featureGenerator{features: kept}, nil)

	if _, err := fgb.Write(w); err != nil {
		return fmt.Errorf("write flatgeobuf: %w", err)
	}
	return nil
}

type featureGenerator struct {
	features []Feature
	index    int
}

func (g *featureGenerator) Generate() *writer.Feature {
	if g.index >= len(g.features) {
		return nil
	}
	f := g.features[g.index]
	g.index++

	builder := flatbuffers.NewBuilder(1024)

	geom := writer.NewGeometry(builder)
	geom.SetType(flattypes.GeometryTypePolygon)
	xy, ends := polygonToXYEnds(f.Polygon)
	geom.SetXY(xy)
	geom.SetEnds(ends)

	feature := writer.NewFeature(builder)
	feature.SetGeometry(geom)
	feature.SetProperties(encodeProperties(f))
	return feature
}

func polygonToXYEnds(poly orb.Polygon) ([]float64, []uint32) {
	total := 0
	for _, ring := range poly {
		total += len(ring)
	}

	xy := make([]float64, 0, total*2)
	ends := make([]uint32, 0, len(poly))

	cumulative := uint32(0)
	for _, ring := range poly {
		for _, p := range ring {
			xy = append(xy, p[0], p[1])
		}
		cumulative += uint32(len(ring))
		ends = append(ends, cumulative)
	}
	return xy, ends
}

// encodeProperties writes [uint16 column index][value] pairs. Null values
// are left out. Strings and JSON carry a uint32 length prefix.
func encodeProperties(f Feature) []byte {
	var buf bytes.Buffer

	writeLong(&buf, colPolygonID, f.PolygonID)
	if f.Name != nil {
		writeBytes(&buf, colName, []byte(*f.Name))
	}
	if f.ClassID != nil {
		writeLong(&buf, colClassID, *f.ClassID)
	}
	if len(f.Props) > 0 && !bytes.Equal(f.Props, []byte("null")) {
		writeBytes(&buf, colProps, f.Props)
	}
	return buf.Bytes()
}

func writeLong(buf *bytes.Buffer, col uint16, v int64) {
	_ = binary.Write(buf, binary.LittleEndian, col)
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func writeBytes(buf *bytes.Buffer, col uint16, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, col)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}
