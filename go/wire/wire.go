// Package wire implements the tile payload encoding shared by the embedded
// store and the HTTP server: a CBOR document compressed with zstd.
//
// Decode distinguishes corrupt payloads (truncated or garbled bytes, worth
// retrying the fetch) from schema mismatches (a structurally different
// document, permanently broken for that tile).
package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/tiles"
)

// Version is bumped whenever the wire document changes incompatibly.
// Decoders reject documents from another version as a schema mismatch.
const Version = 1

var (
	// ErrCorrupt marks a payload that failed decompression or CBOR
	// parsing. Transient: the bytes may have been damaged in transit.
	ErrCorrupt = errors.New("wire: corrupt payload")

	// ErrSchema marks a payload whose structure does not match the tile
	// document. Permanent for that tile.
	ErrSchema = errors.New("wire: schema mismatch")
)

// The zstd Encoder and Decoder are safe for concurrent use through
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// document is the CBOR shape of a tile on the wire. Field names are part of
// the protocol.
type document struct {
	Version     int32          `cbor:"v"`
	Level       int32          `cbor:"level"`
	Lane        int32          `cbor:"lane"`
	Bucket      int64          `cbor:"bucket"`
	Utilization float32        `cbor:"util"`
	Records     []tiles.Record `cbor:"records"`
}

// Encode serializes the tile and compresses the whole document.
func Encode(t *tiles.Tile) ([]byte, error) {
	doc := document{
		Version:     Version,
		Level:       t.Key.Level,
		Lane:        int32(t.Key.Lane),
		Bucket:      t.Key.Bucket,
		Utilization: t.Utilization,
		Records:     t.Records,
	}
	plain, err := cbor.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tile document")
	}
	return zstdEncoder.EncodeAll(plain, nil), nil
}

// Decode decompresses and deserializes a tile payload. The error wraps
// ErrCorrupt or ErrSchema, see the package comment.
func Decode(payload []byte) (*tiles.Tile, error) {
	plain, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "zstd: %v", err)
	}
	var doc document
	if err := cbor.Unmarshal(plain, &doc); err != nil {
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errors.Wrapf(ErrSchema, "cbor: %v", err)
		}
		return nil, errors.Wrapf(ErrCorrupt, "cbor: %v", err)
	}
	if doc.Version != Version {
		return nil, errors.Wrapf(ErrSchema, "got document version %d, want %d", doc.Version, Version)
	}
	t := &tiles.Tile{
		Key: tiles.TileKey{
			Level:  doc.Level,
			Lane:   tiles.LaneID(doc.Lane),
			Bucket: doc.Bucket,
		},
		Utilization: doc.Utilization,
		Records:     doc.Records,
	}
	if !t.Sorted() {
		return nil, errors.Wrap(ErrSchema, "records out of order")
	}
	return t, nil
}
