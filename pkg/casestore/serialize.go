package casestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/zstd"

	"dicommesh/internal/models"
)

// Volume blobs are a format byte, a CRC32 of the payload and the payload.
// The payload is a fixed header followed by the int16 samples, all little
// endian, compressed with zstd when the format says so.

// Compression is the format of compression for stored volumes.
type Compression uint8

const (
	Uncompressed Compression = 0
	Zstd         Compression = 1
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// volumeHeader precedes the samples in the payload.
type volumeHeader struct {
	Depth, Height, Width uint32
	Spacing              [3]float64
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// EncodeVolume serializes v with the given compression.
func EncodeVolume(v *models.Volume, compress Compression) ([]byte, error) {
	if len(v.Data) != v.Depth*v.Height*v.Width {
		return nil, fmt.Errorf("volume has %d samples for shape %v", len(v.Data), v.Shape())
	}

	var raw bytes.Buffer
	raw.Grow(binary.Size(volumeHeader{}) + 2*len(v.Data))
	hdr := volumeHeader{
		Depth:   uint32(v.Depth),
		Height:  uint32(v.Height),
		Width:   uint32(v.Width),
		Spacing: v.Spacing,
	}
	if err := binary.Write(&raw, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if err := binary.Write(&raw, binary.LittleEndian, v.Data); err != nil {
		return nil, err
	}

	var payload []byte
	switch compress {
	case Uncompressed:
		payload = raw.Bytes()
	case Zstd:
		payload = encoder.EncodeAll(raw.Bytes(), make([]byte, 0, raw.Len()/2))
	default:
		return nil, fmt.Errorf("illegal compression %d", compress)
	}

	out := make([]byte, 5, 5+len(payload))
	out[0] = byte(compress)
	binary.LittleEndian.PutUint32(out[1:5], crc32.ChecksumIEEE(payload))
	return append(out, payload...), nil
}

// DecodeVolume restores a volume written by EncodeVolume.
func DecodeVolume(blob []byte) (*models.Volume, error) {
	if len(blob) < 5 {
		return nil, fmt.Errorf("%w: %d byte volume blob", ErrCorrupt, len(blob))
	}
	compress := Compression(blob[0])
	stored := binary.LittleEndian.Uint32(blob[1:5])
	payload := blob[5:]
	if got := crc32.ChecksumIEEE(payload); got != stored {
		return nil, fmt.Errorf("%w: bad checksum, stored %x got %x", ErrCorrupt, stored, got)
	}

	var raw []byte
	switch compress {
	case Uncompressed:
		raw = payload
	case Zstd:
		var err error
		if raw, err = decoder.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, compress)
	}

	r := bytes.NewReader(raw)
	var hdr volumeHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	// Each partial product stays below 2^63, so the check cannot wrap.
	n := uint64(hdr.Depth) * uint64(hdr.Height)
	if n <= math.MaxInt32 {
		n *= uint64(hdr.Width)
	}
	if n > math.MaxInt32 || uint64(r.Len()) != 2*n {
		return nil, fmt.Errorf("%w: %d bytes for shape %dx%dx%d", ErrCorrupt, r.Len(), hdr.Depth, hdr.Height, hdr.Width)
	}

	v := &models.Volume{
		Data:    make([]int16, n),
		Depth:   int(hdr.Depth),
		Height:  int(hdr.Height),
		Width:   int(hdr.Width),
		Spacing: hdr.Spacing,
	}
	if err := binary.Read(r, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, nil
}
