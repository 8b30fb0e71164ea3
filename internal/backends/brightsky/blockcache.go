package brightsky

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var errCorruptBlock = errors.New("corrupt cache block")

// series is one variable's records for one UTC day.
type series struct {
	Times  []int64
	Values []float64
}

// blockCache keeps completed days in badger. Blocks hold delta-of-delta
// varint timestamps followed by XOR-encoded values, compressed with zstd.
type blockCache struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func openBlockCache(path string) (*blockCache, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}
	return &blockCache{db: db, enc: enc, dec: dec}, nil
}

func (c *blockCache) close() error {
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

func blockKey(lon, lat float64, field string, day time.Time) []byte {
	return []byte(fmt.Sprintf("%.4f/%.4f/%s/%d", lon, lat, field, day.Unix()))
}

// dayMarker records that a day was fetched, so days without any records are
// not requested again.
func dayMarker(lon, lat float64, day time.Time) []byte {
	return []byte(fmt.Sprintf("%.4f/%.4f/@day/%d", lon, lat, day.Unix()))
}

func (c *blockCache) hasDay(lon, lat float64, day time.Time) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(dayMarker(lon, lat, day))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *blockCache) get(lon, lat float64, field string, day time.Time) (series, bool, error) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(lon, lat, field, day))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return series{}, false, nil
	}
	if err != nil {
		return series{}, false, err
	}
	s, err := c.decode(raw)
	if err != nil {
		return series{}, false, err
	}
	return s, true, nil
}

// putDay stores every field of a fetched day and marks the day as cached.
func (c *blockCache) putDay(lon, lat float64, day time.Time, fields map[string]series) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for name, s := range fields {
			if err := txn.Set(blockKey(lon, lat, name, day), c.encode(s)); err != nil {
				return err
			}
		}
		return txn.Set(dayMarker(lon, lat, day), []byte{1})
	})
}

func (c *blockCache) encode(s series) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(s.Times)))
	var prev, prevDelta int64
	for i, t := range s.Times {
		if i == 0 {
			buf = binary.AppendVarint(buf, t)
		} else {
			delta := t - prev
			buf = binary.AppendVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prev = t
	}
	var prevBits uint64
	for _, v := range s.Values {
		bits := math.Float64bits(v)
		buf = binary.LittleEndian.AppendUint64(buf, bits^prevBits)
		prevBits = bits
	}
	return c.enc.EncodeAll(buf, nil)
}

func (c *blockCache) decode(raw []byte) (series, error) {
	buf, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return series{}, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return series{}, errCorruptBlock
	}
	buf = buf[n:]

	s := series{Times: make([]int64, count), Values: make([]float64, count)}
	var prev, prevDelta int64
	for i := range s.Times {
		v, n := binary.Varint(buf)
		if n <= 0 {
			return series{}, errCorruptBlock
		}
		buf = buf[n:]
		if i == 0 {
			s.Times[i] = v
		} else {
			prevDelta += v
			s.Times[i] = prev + prevDelta
		}
		prev = s.Times[i]
	}
	if len(buf) != int(count)*8 {
		return series{}, errCorruptBlock
	}
	var prevBits uint64
	for i := range s.Values {
		bits := binary.LittleEndian.Uint64(buf[i*8:]) ^ prevBits
		s.Values[i] = math.Float64frombits(bits)
		prevBits = bits
	}
	return s, nil
}
