package transaction

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/write_engine/wal"
)

// txEntry is one row of the transaction table carried by a checkpoint and
// rebuilt by the analysis pass.
type txEntry struct {
	ID          uint64
	State       TransactionState
	LastLSN     wal.LSN
	UndoNextLSN wal.LSN
}

// checkpoint is the payload of a CHECKPOINT record.
type checkpoint struct {
	BeginLSN wal.LSN // redo starts here
	NextTxID uint64
	Txs      []txEntry
}

const txEntrySize = 8 + 1 + 8 + 8

// encode layout: [beginLSN:u64][nextTxID:u64][count:u32] then per entry
// [id:u64][state:u8][lastLSN:u64][undoNext:u64].
func (c *checkpoint) encode() []byte {
	buf := make([]byte, 20+len(c.Txs)*txEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.BeginLSN))
	binary.LittleEndian.PutUint64(buf[8:16], c.NextTxID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(c.Txs)))
	off := 20
	for _, e := range c.Txs {
		binary.LittleEndian.PutUint64(buf[off:], e.ID)
		buf[off+8] = byte(e.State)
		binary.LittleEndian.PutUint64(buf[off+9:], uint64(e.LastLSN))
		binary.LittleEndian.PutUint64(buf[off+17:], uint64(e.UndoNextLSN))
		off += txEntrySize
	}
	return buf
}

func decodeCheckpoint(data []byte) (checkpoint, error) {
	var c checkpoint
	if len(data) < 20 {
		return c, fmt.Errorf("%w: checkpoint of %d bytes", dberror.ErrMalformed, len(data))
	}
	c.BeginLSN = wal.LSN(binary.LittleEndian.Uint64(data[0:8]))
	c.NextTxID = binary.LittleEndian.Uint64(data[8:16])
	n := int(binary.LittleEndian.Uint32(data[16:20]))
	if len(data) != 20+n*txEntrySize {
		return c, fmt.Errorf("%w: checkpoint with %d entries has %d bytes", dberror.ErrMalformed, n, len(data))
	}
	off := 20
	for i := 0; i < n; i++ {
		c.Txs = append(c.Txs, txEntry{
			ID:          binary.LittleEndian.Uint64(data[off:]),
			State:       TransactionState(data[off+8]),
			LastLSN:     wal.LSN(binary.LittleEndian.Uint64(data[off+9:])),
			UndoNextLSN: wal.LSN(binary.LittleEndian.Uint64(data[off+17:])),
		})
		off += txEntrySize
	}
	return c, nil
}
