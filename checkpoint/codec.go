// Package checkpoint implements the flat-file swarm snapshot codec of
// spec.md §4.5, grounded on the original source's swarm.cpp
// (save_state/restore_state).
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/bittorrent/helix/bittorrent"
	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/swarm"
)

var logger = log.NewLogger("checkpoint")

// MaxPeersPerSwarm bounds how many IPv4 routable peers are sampled into a
// swarm's checkpoint record (spec.md §4.5).
const MaxPeersPerSwarm = 40

// maxSaneFileSize gates the read path: a file bigger than this is assumed
// corrupt and rejected outright rather than partially parsed (spec.md
// §4.5: "file < 50 million × 35 bytes").
const maxSaneFileSize = 50_000_000 * 35

const peerRecordLen = 20 + 4 + 1 + 4 + 2 // peer_id + last_check_in + status + ipv4 + port

// Save fully rewrites path with a snapshot of every swarm in swarms
// (spec.md §4.5 "Write policy": best-effort, full rewrite). It writes to a
// temp file and renames into place so a crash mid-write never corrupts the
// previous checkpoint.
func Save(path string, swarms []*swarm.Swarm) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	var written int
	for _, s := range swarms {
		n, err := writeSwarm(w, s)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		written += n
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	logger.Debug().Int("swarms", len(swarms)).Int("peers", written).Msg("checkpoint written")
	return nil
}

func writeSwarm(w io.Writer, s *swarm.Swarm) (int, error) {
	records := s.SampleV4(MaxPeersPerSwarm)

	var header [24]byte
	copy(header[:20], s.InfoHash[:])
	binary.BigEndian.PutUint32(header[20:24], uint32(len(records)))
	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}

	for _, rec := range records {
		var buf [peerRecordLen]byte
		copy(buf[0:20], rec.ID[:])
		binary.BigEndian.PutUint32(buf[20:24], uint32(rec.LastCheckIn))
		buf[24] = rec.Status
		ip4 := rec.Endpoint.IP.As4()
		copy(buf[25:29], ip4[:])
		binary.BigEndian.PutUint16(buf[29:31], rec.Endpoint.Port)
		if _, err := w.Write(buf[:]); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// ErrFileTooLarge is returned by Load when path exceeds the sanity-check
// size bound, per spec.md §4.5.
var ErrFileTooLarge = errors.New("checkpoint: file exceeds sanity size bound")

// Load stream-decodes path and restores each swarm into table. Truncated
// trailing records end parsing without error (spec.md §4.5: "truncated
// records terminate parsing without error").
func Load(path string, table *swarm.Table, dnaOnlyDefault bool) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > maxSaneFileSize {
		return ErrFileTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var swarmCount, peerCount int
	for {
		s, n, ok := readSwarm(r, dnaOnlyDefault)
		if !ok {
			break
		}
		table.Restore(s)
		swarmCount++
		peerCount += n
	}
	logger.Debug().Int("swarms", swarmCount).Int("peers", peerCount).Msg("checkpoint restored")
	return nil
}

// readSwarm reads one swarm record, returning ok=false once the stream is
// exhausted or a record is truncated.
func readSwarm(r *bufio.Reader, dnaOnlyDefault bool) (*swarm.Swarm, int, bool) {
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, false
	}

	ih, err := bittorrent.NewInfoHash(header[:20])
	if err != nil {
		return nil, 0, false
	}
	numPeers := binary.BigEndian.Uint32(header[20:24])

	s := swarm.NewSwarm(ih, dnaOnlyDefault)
	var read int
	for i := uint32(0); i < numPeers; i++ {
		rec, ok := readPeerRecord(r)
		if !ok {
			// Truncated mid-swarm: keep what decoded so far and stop.
			return s, read, true
		}
		s.RestorePeer(rec)
		read++
	}
	return s, read, true
}

func readPeerRecord(r *bufio.Reader) (swarm.PeerRecord, bool) {
	var buf [peerRecordLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return swarm.PeerRecord{}, false
	}

	var id bittorrent.PeerID
	copy(id[:], buf[0:20])
	lastCheckIn := int64(binary.BigEndian.Uint32(buf[20:24]))
	status := buf[24]
	ip := netip.AddrFrom4([4]byte(buf[25:29]))
	port := binary.BigEndian.Uint16(buf[29:31])

	return swarm.PeerRecord{
		ID:          id,
		LastCheckIn: lastCheckIn,
		Status:      status,
		Endpoint:    bittorrent.NewEndpoint(ip, port),
	}, true
}

// DefaultInterval is checkpoint_timer's default: rewrite the file every 5
// minutes (spec.md §6 Constants).
const DefaultInterval = 5 * time.Minute
