// Package ids provides the identifier and payload-compression primitives
// shared by every store in the world-state core.
package ids

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Type prefixes for NewID, one per entity/record kind the core mints IDs for.
const (
	PrefixVersion   = "ver"
	PrefixBranch    = "br"
	PrefixAudit     = "aud"
	PrefixCondition = "cond"
	PrefixEffect    = "eff"
	PrefixVariable  = "var"
	PrefixWorld     = "wld"
	PrefixCampaign  = "cmp"
	PrefixLocation  = "loc"
	PrefixKingdom   = "knd"
	PrefixSettlement = "stl"
	PrefixStructure = "str"
	PrefixParty     = "pty"
	PrefixCharacter = "chr"
	PrefixEncounter = "enc"
	PrefixEvent     = "evt"
	PrefixLink      = "lnk"
)

// NewID mints a UUIDv7 identifier formatted "<prefix>-<uuid>". UUIDv7 keeps
// IDs roughly time-ordered, which matters for the version store's reliance
// on insertion order within a branch.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Compress gzip-compresses payload at best-compression level.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("ids: new gzip writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("ids: compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ids: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("ids: new gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ids: decompress payload: %w", err)
	}
	return out, nil
}

// Checksum returns a hex CRC32 (IEEE) of payload, stored alongside each
// compressed snapshot so corruption can be detected deterministically
// instead of relying solely on the gzip stream failing to decode.
func Checksum(payload []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload))
}

// VerifyChecksum reports whether payload matches the given checksum.
func VerifyChecksum(payload []byte, checksum string) bool {
	return Checksum(payload) == checksum
}
