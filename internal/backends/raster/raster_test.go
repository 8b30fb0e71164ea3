package raster

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/i474232898/envirodata/internal/environment"
	"github.com/i474232898/envirodata/internal/stats"
)

// TIFF field types.
const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(tag uint16, vs ...uint16) ifdEntry {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vs)), data: b}
}

func longs(tag uint16, vs ...uint32) ifdEntry {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vs)), data: b}
}

func doubles(tag uint16, vs ...float64) ifdEntry {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vs)), data: b}
}

func ascii(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

// layerFixture describes a single-band little-endian GeoTIFF in strips.
type layerFixture struct {
	width, height, rowsPerStrip int
	// bits 16 are signed integers, 32 are floats.
	bits      int
	deflate   bool
	predictor bool
	values    [][]float64
	scale     [2]float64
	tiepoint  [2]float64
	geoKeys   []uint16
	noData    string
}

func (fx layerFixture) strips(t *testing.T) [][]byte {
	t.Helper()
	var out [][]byte
	for top := 0; top < fx.height; top += fx.rowsPerStrip {
		var buf bytes.Buffer
		for r := top; r < top+fx.rowsPerStrip && r < fx.height; r++ {
			prev := 0.0
			for c := 0; c < fx.width; c++ {
				v := fx.values[r][c]
				if fx.predictor {
					v, prev = v-prev, v
				}
				switch fx.bits {
				case 16:
					_ = binary.Write(&buf, binary.LittleEndian, int16(v))
				case 32:
					_ = binary.Write(&buf, binary.LittleEndian, float32(v))
				}
			}
		}
		data := buf.Bytes()
		if fx.deflate {
			var z bytes.Buffer
			zw := zlib.NewWriter(&z)
			if _, err := zw.Write(data); err != nil {
				t.Fatal(err)
			}
			if err := zw.Close(); err != nil {
				t.Fatal(err)
			}
			data = z.Bytes()
		}
		out = append(out, data)
	}
	return out
}

// write lays out header, IFD, out-of-line values and strips in that order.
func (fx layerFixture) write(t *testing.T, path string) {
	t.Helper()
	strips := fx.strips(t)
	counts := make([]uint32, len(strips))
	for i, s := range strips {
		counts[i] = uint32(len(s))
	}

	format, compression := uint16(2), uint16(1)
	if fx.bits == 32 {
		format = 3
	}
	if fx.deflate {
		compression = 8
	}
	entries := []ifdEntry{
		longs(tagImageWidth, uint32(fx.width)),
		longs(tagImageLength, uint32(fx.height)),
		shorts(tagBitsPerSample, uint16(fx.bits)),
		shorts(tagCompression, compression),
		shorts(262, 1),
		longs(tagStripOffsets, make([]uint32, len(strips))...),
		shorts(tagSamplesPerPixel, 1),
		longs(tagRowsPerStrip, uint32(fx.rowsPerStrip)),
		longs(tagStripByteCounts, counts...),
		shorts(tagPlanarConfig, 1),
	}
	if fx.predictor {
		entries = append(entries, shorts(tagPredictor, 2))
	}
	entries = append(entries,
		shorts(tagSampleFormat, format),
		doubles(tagModelPixelScale, fx.scale[0], fx.scale[1], 0),
		doubles(tagModelTiepoint, 0, 0, 0, fx.tiepoint[0], fx.tiepoint[1], 0),
		shorts(tagGeoKeyDirectory, fx.geoKeys...),
	)
	if fx.noData != "" {
		entries = append(entries, ascii(tagGDALNoData, fx.noData))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Out-of-line values follow the IFD, strips follow those.
	next := 8 + 2 + 12*len(entries) + 4
	offsets := make([]int, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			offsets[i] = next
			next += len(e.data) + len(e.data)%2
		}
	}
	stripOffsets := make([]uint32, len(strips))
	for i, s := range strips {
		stripOffsets[i] = uint32(next)
		next += len(s)
	}
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i] = longs(tagStripOffsets, stripOffsets...)
		}
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, uint32(8))
	_ = binary.Write(&buf, le, uint16(len(entries)))
	for i, e := range entries {
		_ = binary.Write(&buf, le, e.tag)
		_ = binary.Write(&buf, le, e.typ)
		_ = binary.Write(&buf, le, e.count)
		if len(e.data) > 4 {
			_ = binary.Write(&buf, le, uint32(offsets[i]))
			continue
		}
		inline := make([]byte, 4)
		copy(inline, e.data)
		buf.Write(inline)
	}
	_ = binary.Write(&buf, le, uint32(0))
	for _, e := range entries {
		if len(e.data) > 4 {
			buf.Write(e.data)
			if len(e.data)%2 == 1 {
				buf.WriteByte(0)
			}
		}
	}
	for _, s := range strips {
		buf.Write(s)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// geographicLayer covers lon 5..7, lat 50.5..52 in half-degree float pixels
// valued 10*row+col, with one no-data pixel.
func geographicLayer() layerFixture {
	return layerFixture{
		width: 4, height: 3, rowsPerStrip: 2, bits: 32,
		values: [][]float64{
			{0, 1, 2, 3},
			{10, 11, -9999, 13},
			{20, 21, 22, 23},
		},
		scale:    [2]float64{0.5, 0.5},
		tiepoint: [2]float64{5, 52},
		geoKeys:  []uint16{1, 1, 0, 2, keyModelType, 0, 1, 2, keyGeographicCRS, 0, 1, 4326},
		noData:   "-9999",
	}
}

// laeaLayer is a deflated, differenced int16 grid of 100 m pixels in
// EPSG:3035 centred on the projection origin, valued 100*row+col.
func laeaLayer() layerFixture {
	values := make([][]float64, 4)
	for r := range values {
		values[r] = make([]float64, 4)
		for c := range values[r] {
			values[r][c] = float64(100*r + c)
		}
	}
	return layerFixture{
		width: 4, height: 4, rowsPerStrip: 4, bits: 16,
		deflate: true, predictor: true,
		values:   values,
		scale:    [2]float64{100, 100},
		tiepoint: [2]float64{4321000 - 200, 3210000 + 200},
		geoKeys:  []uint16{1, 1, 0, 2, keyModelType, 0, 1, 1, keyProjectedCRS, 0, 1, 3035},
	}
}

var instant = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestSampleNearestPixel(t *testing.T) {
	dir := t.TempDir()
	geographicLayer().write(t, cachedPath(dir, "imperviousness"))
	laeaLayer().write(t, cachedPath(dir, "population"))

	g := NewGetter(GetterConfig{CachePath: dir, TimeResolution: time.Hour})
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()

	tests := []struct {
		name     string
		variable string
		lon, lat float64
		want     float64
	}{
		{"first strip", "imperviousness", 5.7, 51.2, 11},
		{"second strip", "imperviousness", 5.1, 50.6, 20},
		{"zero pixel", "imperviousness", 5.1, 51.9, 0},
		{"no data", "imperviousness", 6.2, 51.2, stats.Missing()},
		{"west of raster", "imperviousness", 4.9, 51.2, stats.Missing()},
		{"south of raster", "imperviousness", 5.5, 50.4, stats.Missing()},
		{"projected origin", "population", 10, 52, 202},
		{"no layer", "noise", 10, 52, stats.Missing()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := g.Sample(ctx, instant, tt.lon, tt.lat, tt.variable)
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if !s.Time.Equal(instant) {
				t.Fatalf("sample stamped %v", s.Time)
			}
			if stats.IsMissing(tt.want) {
				if !stats.IsMissing(s.Value) {
					t.Fatalf("got %v, want missing", s.Value)
				}
				return
			}
			if s.Value != tt.want {
				t.Fatalf("got %v, want %v", s.Value, tt.want)
			}
		})
	}
}

func TestSampleRangeRepeatsValue(t *testing.T) {
	dir := t.TempDir()
	geographicLayer().write(t, cachedPath(dir, "ndvi"))
	g := NewGetter(GetterConfig{CachePath: dir, Variables: map[string]string{"green": "ndvi"}, TimeResolution: time.Hour})
	t.Cleanup(func() { _ = g.Close() })

	got, err := environment.SampleRange(context.Background(), g, instant.Add(-2*time.Hour), instant, 5.7, 51.2, "green")
	if err != nil {
		t.Fatalf("SampleRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	for i, s := range got {
		if s.Value != 11 || !s.Time.Equal(instant.Add(time.Duration(i-2)*time.Hour)) {
			t.Errorf("sample %d: %v at %v", i, s.Value, s.Time)
		}
	}
}

func TestGetterRequiresCRS(t *testing.T) {
	dir := t.TempDir()
	fx := geographicLayer()
	fx.geoKeys = []uint16{1, 1, 0, 0}
	fx.write(t, cachedPath(dir, "ndvi"))

	g := NewGetter(GetterConfig{CachePath: dir, TimeResolution: time.Hour})
	if _, err := g.Sample(context.Background(), instant, 5.7, 51.2, "ndvi"); err == nil {
		t.Fatal("expected an error for a layer without CRS")
	}
	_ = g.Close()

	g = NewGetter(GetterConfig{CachePath: dir, EPSG: 4326, TimeResolution: time.Hour})
	t.Cleanup(func() { _ = g.Close() })
	s, err := g.Sample(context.Background(), instant, 5.7, 51.2, "ndvi")
	if err != nil || s.Value != 11 {
		t.Fatalf("with epsg set: got %v, %v; want 11", s.Value, err)
	}
}

func TestLoadCopiesLayers(t *testing.T) {
	src := t.TempDir()
	cache := filepath.Join(t.TempDir(), "raster")
	geographicLayer().write(t, filepath.Join(src, "imp.tif"))
	if err := os.WriteFile(filepath.Join(src, "broken.tif"), []byte("not a tiff"), 0o644); err != nil {
		t.Fatal(err)
	}

	var hits int32
	remoteLayer := filepath.Join(src, "remote.tif")
	laeaLayer().write(t, remoteLayer)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.ServeFile(w, r, remoteLayer)
	}))
	t.Cleanup(srv.Close)

	l := NewLoader(LoaderConfig{
		DataTable: map[string]string{
			"imperviousness": filepath.Join(src, "imp.tif"),
			"population":     srv.URL + "/population.tif",
			"broken":         filepath.Join(src, "broken.tif"),
			"absent":         filepath.Join(src, "absent.tif"),
		},
		CachePath: cache,
		Timeout:   10 * time.Second,
	})
	ctx := context.Background()

	err := l.Load(ctx, instant, instant)
	if !errors.Is(err, environment.ErrPartialLoad) {
		t.Fatalf("got %v, want ErrPartialLoad", err)
	}
	for _, v := range []string{"imperviousness", "population"} {
		if _, err := os.Stat(cachedPath(cache, v)); err != nil {
			t.Fatalf("%s not cached: %v", v, err)
		}
	}
	for _, v := range []string{"broken", "absent"} {
		if _, err := os.Stat(cachedPath(cache, v)); !os.IsNotExist(err) {
			t.Fatalf("%s: expected no cached file, got %v", v, err)
		}
	}
	entries, err := os.ReadDir(cache)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("temporary files left behind: %v", entries)
	}

	// Second load skips what is already cached.
	_ = l.Load(ctx, instant, instant)
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("remote layer downloaded %d times", n)
	}

	g := NewGetter(GetterConfig{CachePath: cache, TimeResolution: time.Hour})
	t.Cleanup(func() { _ = g.Close() })
	s, err := g.Sample(ctx, instant, 10, 52, "population")
	if err != nil || s.Value != 202 {
		t.Fatalf("population: got %v, %v; want 202", s.Value, err)
	}
}

func TestRejectsUnsupportedLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.tif")
	fx := laeaLayer()
	fx.bits = 12
	fx.write(t, path)
	if _, err := openGrid(path); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}
