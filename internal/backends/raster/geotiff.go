package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/tiff"
	"github.com/klauspost/compress/zlib"

	"github.com/i474232898/envirodata/internal/stats"
)

// Baseline TIFF and GeoTIFF tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

// GeoKeys.
const (
	keyModelType     = 1024
	keyRasterType    = 1025
	keyGeographicCRS = 2048
	keyProjectedCRS  = 3072

	modelGeographic = 2
	pixelIsPoint    = 2
	userDefined     = 32767
)

const maxChunks = 32

// ErrUnsupported is returned for TIFF layouts the reader does not handle.
var ErrUnsupported = errors.New("unsupported GeoTIFF")

// grid is band 1 of a GeoTIFF with its affine georeferencing. Strips are
// handled as tiles spanning the image width.
type grid struct {
	f       *os.File
	modTime time.Time
	order   binary.ByteOrder

	width, height  int
	chunkW, chunkH int
	across         int
	offsets        []uint64
	counts         []uint64

	compression int
	predictor   int
	format      int
	sampleBytes int
	stride      int

	originX, originY float64
	scaleX, scaleY   float64
	noData           float64
	hasNoData        bool
	// EPSG code from the GeoKey directory, 0 when absent.
	crs int

	mu     sync.Mutex
	chunks map[int][]byte
}

func openGrid(path string) (*grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g, err := readGrid(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if fi, err := f.Stat(); err == nil {
		g.modTime = fi.ModTime()
	}
	return g, nil
}

func readGrid(f *os.File) (*grid, error) {
	var magic [2]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return nil, err
	}
	g := &grid{f: f, chunks: make(map[int][]byte)}
	switch string(magic[:]) {
	case "II":
		g.order = binary.LittleEndian
	case "MM":
		g.order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}

	t, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return nil, err
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return nil, errors.New("no image directory")
	}
	ifd := ifds[0]
	fields := fieldReader{ifd: ifd, order: g.order}

	g.width = fields.int(tagImageWidth, 0)
	g.height = fields.int(tagImageLength, 0)
	if g.width <= 0 || g.height <= 0 {
		return nil, errors.New("missing image dimensions")
	}

	bits := fields.int(tagBitsPerSample, 1)
	if bits%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupported, bits)
	}
	g.sampleBytes = bits / 8
	g.format = fields.int(tagSampleFormat, 1)
	if _, err := g.decode(make([]byte, g.sampleBytes)); err != nil {
		return nil, err
	}

	g.compression = fields.int(tagCompression, 1)
	switch g.compression {
	case 1, 8, 32946:
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, g.compression)
	}
	g.predictor = fields.int(tagPredictor, 1)
	if g.predictor != 1 && (g.predictor != 2 || g.format == 3) {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupported, g.predictor)
	}

	spp := fields.int(tagSamplesPerPixel, 1)
	g.stride = g.sampleBytes
	if fields.int(tagPlanarConfig, 1) == 1 {
		g.stride *= spp
	}

	if ifd.HasField(tagTileWidth) {
		g.chunkW = fields.int(tagTileWidth, 0)
		g.chunkH = fields.int(tagTileLength, 0)
		g.offsets = fields.uints(tagTileOffsets)
		g.counts = fields.uints(tagTileByteCounts)
	} else {
		g.chunkW = g.width
		g.chunkH = fields.int(tagRowsPerStrip, g.height)
		if g.chunkH > g.height {
			g.chunkH = g.height
		}
		g.offsets = fields.uints(tagStripOffsets)
		g.counts = fields.uints(tagStripByteCounts)
	}
	if g.chunkW <= 0 || g.chunkH <= 0 {
		return nil, errors.New("invalid strip or tile size")
	}
	g.across = (g.width + g.chunkW - 1) / g.chunkW
	down := (g.height + g.chunkH - 1) / g.chunkH
	if len(g.offsets) < g.across*down || len(g.counts) < len(g.offsets) {
		return nil, errors.New("missing strip or tile offsets")
	}

	if err := g.georeference(fields); err != nil {
		return nil, err
	}
	if s := fields.ascii(tagGDALNoData); s != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			g.noData, g.hasNoData = v, true
		}
	}
	return g, nil
}

func (g *grid) georeference(fields fieldReader) error {
	scale := fields.doubles(tagModelPixelScale)
	tie := fields.doubles(tagModelTiepoint)
	switch m := fields.doubles(tagModelTransform); {
	case len(scale) >= 2 && len(tie) >= 6:
		g.scaleX, g.scaleY = scale[0], scale[1]
		g.originX = tie[3] - tie[0]*g.scaleX
		g.originY = tie[4] + tie[1]*g.scaleY
	case len(m) == 16 && m[1] == 0 && m[4] == 0:
		g.scaleX, g.scaleY = m[0], -m[5]
		g.originX, g.originY = m[3], m[7]
	default:
		return errors.New("no north-up georeferencing")
	}
	if g.scaleX <= 0 || g.scaleY <= 0 {
		return errors.New("invalid pixel scale")
	}

	keys := fields.geoKeys()
	if keys[keyRasterType] == pixelIsPoint {
		g.originX -= g.scaleX / 2
		g.originY += g.scaleY / 2
	}
	switch {
	case keys[keyProjectedCRS] != 0 && keys[keyProjectedCRS] != userDefined:
		g.crs = keys[keyProjectedCRS]
	case keys[keyGeographicCRS] != 0 && keys[keyGeographicCRS] != userDefined:
		g.crs = keys[keyGeographicCRS]
	case keys[keyModelType] == modelGeographic:
		g.crs = 4326
	}
	return nil
}

func (g *grid) close() error { return g.f.Close() }

// index returns the pixel containing CRS coordinate (x, y).
func (g *grid) index(x, y float64) (col, row int, ok bool) {
	c := math.Floor((x - g.originX) / g.scaleX)
	r := math.Floor((g.originY - y) / g.scaleY)
	if math.IsNaN(c) || math.IsNaN(r) || c < 0 || r < 0 || c >= float64(g.width) || r >= float64(g.height) {
		return 0, 0, false
	}
	return int(c), int(r), true
}

// at returns the value at (x, y); outside the raster and no-data pixels
// are missing.
func (g *grid) at(x, y float64) (float64, error) {
	col, row, ok := g.index(x, y)
	if !ok {
		return stats.Missing(), nil
	}
	v, err := g.pixel(col, row)
	if err != nil {
		return stats.Missing(), err
	}
	if g.hasNoData && v == g.noData {
		return stats.Missing(), nil
	}
	return v, nil
}

func (g *grid) pixel(col, row int) (float64, error) {
	i := (row/g.chunkH)*g.across + col/g.chunkW
	b, err := g.chunk(i)
	if err != nil {
		return 0, err
	}
	off := ((row%g.chunkH)*g.chunkW + col%g.chunkW) * g.stride
	if off+g.sampleBytes > len(b) {
		return 0, fmt.Errorf("chunk %d truncated", i)
	}
	return g.decode(b[off : off+g.sampleBytes])
}

func (g *grid) chunk(i int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.chunks[i]; ok {
		return b, nil
	}

	raw := make([]byte, g.counts[i])
	if _, err := g.f.ReadAt(raw, int64(g.offsets[i])); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	b := raw
	if g.compression != 1 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		b, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	if g.predictor == 2 {
		g.undoDifferencing(b)
	}

	if len(g.chunks) >= maxChunks {
		for k := range g.chunks {
			delete(g.chunks, k)
			break
		}
	}
	g.chunks[i] = b
	return b, nil
}

// undoDifferencing reverses horizontal predictor 2 in place.
func (g *grid) undoDifferencing(b []byte) {
	rowBytes := g.chunkW * g.stride
	for start := 0; start+rowBytes <= len(b); start += rowBytes {
		row := b[start : start+rowBytes]
		for j := g.stride; j+g.sampleBytes <= len(row); j += g.sampleBytes {
			prev := j - g.stride
			switch g.sampleBytes {
			case 1:
				row[j] += row[prev]
			case 2:
				g.order.PutUint16(row[j:], g.order.Uint16(row[j:])+g.order.Uint16(row[prev:]))
			case 4:
				g.order.PutUint32(row[j:], g.order.Uint32(row[j:])+g.order.Uint32(row[prev:]))
			case 8:
				g.order.PutUint64(row[j:], g.order.Uint64(row[j:])+g.order.Uint64(row[prev:]))
			}
		}
	}
}

func (g *grid) decode(b []byte) (float64, error) {
	switch {
	case g.format == 3 && len(b) == 4:
		return float64(math.Float32frombits(g.order.Uint32(b))), nil
	case g.format == 3 && len(b) == 8:
		return math.Float64frombits(g.order.Uint64(b)), nil
	case g.format == 2 && len(b) == 1:
		return float64(int8(b[0])), nil
	case g.format == 2 && len(b) == 2:
		return float64(int16(g.order.Uint16(b))), nil
	case g.format == 2 && len(b) == 4:
		return float64(int32(g.order.Uint32(b))), nil
	case g.format == 2 && len(b) == 8:
		return float64(int64(g.order.Uint64(b))), nil
	case g.format == 1 && len(b) == 1:
		return float64(b[0]), nil
	case g.format == 1 && len(b) == 2:
		return float64(g.order.Uint16(b)), nil
	case g.format == 1 && len(b) == 4:
		return float64(g.order.Uint32(b)), nil
	case g.format == 1 && len(b) == 8:
		return float64(g.order.Uint64(b)), nil
	}
	return 0, fmt.Errorf("%w: sample format %d with %d bytes", ErrUnsupported, g.format, len(b))
}

// fieldReader decodes IFD values from their raw bytes.
type fieldReader struct {
	ifd   tiff.IFD
	order binary.ByteOrder
}

// raw returns the value bytes of tag split into elements.
func (r fieldReader) raw(tag uint16) ([]byte, int, int) {
	if !r.ifd.HasField(tag) {
		return nil, 0, 0
	}
	f := r.ifd.GetField(tag)
	n := int(f.Count())
	size := int(f.Type().Size())
	b := f.Value().Bytes()
	if n <= 0 || size <= 0 || len(b) < n*size {
		return nil, 0, 0
	}
	return b[:n*size], n, size
}

func (r fieldReader) uints(tag uint16) []uint64 {
	b, n, size := r.raw(tag)
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		e := b[i*size : (i+1)*size]
		switch size {
		case 1:
			out = append(out, uint64(e[0]))
		case 2:
			out = append(out, uint64(r.order.Uint16(e)))
		case 4:
			out = append(out, uint64(r.order.Uint32(e)))
		case 8:
			out = append(out, r.order.Uint64(e))
		}
	}
	return out
}

func (r fieldReader) int(tag uint16, def int) int {
	if vs := r.uints(tag); len(vs) > 0 {
		return int(vs[0])
	}
	return def
}

func (r fieldReader) doubles(tag uint16) []float64 {
	b, n, size := r.raw(tag)
	if size != 8 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(r.order.Uint64(b[i*8:]))
	}
	return out
}

func (r fieldReader) ascii(tag uint16) string {
	b, _, _ := r.raw(tag)
	return strings.TrimRight(string(b), "\x00 ")
}

// geoKeys returns the GeoKeys stored inline in the key directory.
func (r fieldReader) geoKeys() map[int]int {
	dir := r.uints(tagGeoKeyDirectory)
	keys := make(map[int]int)
	if len(dir) < 4 {
		return keys
	}
	for k := 0; k < int(dir[3]); k++ {
		e := 4 + 4*k
		if e+3 >= len(dir) {
			break
		}
		if dir[e+1] == 0 {
			keys[int(dir[e])] = int(dir[e+3])
		}
	}
	return keys
}
