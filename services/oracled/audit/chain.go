package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// ErrChainBroken reports a record whose hash does not follow from its
// predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

const verifyBatch = 500

// chainHead is the last link of the chain. The zero value precedes the first
// record.
type chainHead struct {
	seq  uint64
	hash string
}

// link stamps rec as the successor of h.
func (h chainHead) link(rec *EventRecord) {
	rec.Seq = h.seq + 1
	rec.PrevHash = h.hash
	rec.Hash = recordHash(h.hash, rec)
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.Write(n[:])
	buf.Write(data)
}

// recordHash commits to the previous hash, the sequence number, the event and
// the microsecond timestamp. Attributes are hashed in their stored form, which
// json.Marshal emits with sorted keys.
func recordHash(prev string, rec *EventRecord) string {
	var buf bytes.Buffer
	writeDelimited(&buf, []byte(prev))
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], rec.Seq)
	buf.Write(word[:])
	writeDelimited(&buf, []byte(rec.Type))
	writeDelimited(&buf, []byte(rec.Attributes))
	binary.BigEndian.PutUint64(word[:], uint64(rec.RecordedAt.UnixMicro()))
	buf.Write(word[:])
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func (s *Store) loadHead() error {
	var last []EventRecord
	if err := s.db.Order("seq desc").Limit(1).Find(&last).Error; err != nil {
		return fmt.Errorf("load audit head: %w", err)
	}
	if len(last) == 1 {
		s.head = chainHead{seq: last[0].Seq, hash: last[0].Hash}
	}
	return nil
}

// Verification summarises a successful chain walk.
type Verification struct {
	Records uint64 `json:"records"`
	Head    string `json:"head"`
}

// Verify walks the chain from the first record and recomputes every hash.
func (s *Store) Verify(ctx context.Context) (Verification, error) {
	var head chainHead
	for {
		var batch []EventRecord
		err := s.db.WithContext(ctx).Where("seq > ?", head.seq).Order("seq asc").Limit(verifyBatch).Find(&batch).Error
		if err != nil {
			return Verification{}, err
		}
		for i := range batch {
			rec := &batch[i]
			switch {
			case rec.Seq != head.seq+1:
				return Verification{}, fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, head.seq+1, rec.Seq)
			case rec.PrevHash != head.hash:
				return Verification{}, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, rec.Seq)
			case rec.Hash != recordHash(head.hash, rec):
				return Verification{}, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, rec.Seq)
			}
			head = chainHead{seq: rec.Seq, hash: rec.Hash}
		}
		if len(batch) < verifyBatch {
			break
		}
	}
	return Verification{Records: head.seq, Head: head.hash}, nil
}
