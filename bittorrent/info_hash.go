package bittorrent

import (
	"encoding/hex"
	"errors"
)

// InfoHashLen is the fixed length, in bytes, of a BitTorrent info_hash.
const InfoHashLen = 20

// ErrInvalidInfoHashLen is returned when an info_hash is not exactly
// InfoHashLen bytes long.
var ErrInvalidInfoHashLen = errors.New("invalid info_hash given.")

// InfoHash identifies a torrent swarm.
type InfoHash [InfoHashLen]byte

// NewInfoHash validates and copies b into an InfoHash.
func NewInfoHash(b []byte) (InfoHash, error) {
	var ih InfoHash
	if len(b) != InfoHashLen {
		return ih, ErrInvalidInfoHashLen
	}
	copy(ih[:], b)
	return ih, nil
}

// RawString returns the raw 20-byte representation of the InfoHash.
func (ih InfoHash) RawString() string {
	return string(ih[:])
}

// String returns the lowercase hex encoding of the InfoHash.
func (ih InfoHash) String() string {
	return hex.EncodeToString(ih[:])
}

// InfoHashFromHex decodes a hex-encoded info_hash, as used by the control
// surface's /control/blacklist and /control/flags/<hex> endpoints.
func InfoHashFromHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, err
	}
	return NewInfoHash(b)
}
