package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/xtcdb/core/dberror"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

// LSN is the byte position of a record in the logical log stream, plus one.
type LSN = pagemanager.LSN

const InvalidLSN LSN = 0

// LogRecordType defines the type of a log record.
type LogRecordType byte

const (
	LogRecordTypeUpdate   LogRecordType = iota + 1 // redo/undo-able operation
	LogRecordTypeCLR                               // compensation written during undo
	LogRecordTypeDummyCLR                          // closes a nested top action
	LogRecordTypeCommit
	LogRecordTypeAbort
	LogRecordTypeEnd
	LogRecordTypeCheckpoint
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeUpdate:
		return "UPDATE"
	case LogRecordTypeCLR:
		return "CLR"
	case LogRecordTypeDummyCLR:
		return "DUMMY_CLR"
	case LogRecordTypeCommit:
		return "COMMIT"
	case LogRecordTypeAbort:
		return "ABORT"
	case LogRecordTypeEnd:
		return "END"
	case LogRecordTypeCheckpoint:
		return "CHECKPOINT"
	}
	return fmt.Sprintf("LogRecordType(%d)", byte(t))
}

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN         LSN
	PrevLSN     LSN    // previous record of the same transaction
	TxnID       uint64 // 0 for records outside a transaction
	Type        LogRecordType
	UndoNextLSN LSN    // for CLRs: the next record of the transaction still to undo
	Payload     []byte // encoded operation or checkpoint table
}

// frame layout:
// [len:u32][crc:u32][lsn:u64][prevLSN:u64][txnID:u64][type:u8][undoNext:u64][payloadLen:u32][payload]
const (
	frameHeaderSize = 4 + 4 + 8 + 8 + 8 + 1 + 8 + 4
	maxPayloadSize  = 64 << 20
)

// Size returns the serialized size of the record.
func (lr *LogRecord) Size() int { return frameHeaderSize + len(lr.Payload) }

// Serialize converts a LogRecord into its on-disk frame.
func (lr *LogRecord) Serialize() []byte {
	buf := make([]byte, lr.Size())
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(lr.LSN))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(lr.PrevLSN))
	binary.LittleEndian.PutUint64(buf[24:32], lr.TxnID)
	buf[32] = byte(lr.Type)
	binary.LittleEndian.PutUint64(buf[33:41], uint64(lr.UndoNextLSN))
	binary.LittleEndian.PutUint32(buf[41:45], uint32(len(lr.Payload)))
	copy(buf[frameHeaderSize:], lr.Payload)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(xxhash.Sum64(buf[8:])))
	return buf
}

// Deserialize reads a complete frame into the record.
func (lr *LogRecord) Deserialize(data []byte) error {
	if len(data) < frameHeaderSize {
		return fmt.Errorf("%w: frame of %d bytes", dberror.ErrMalformed, len(data))
	}
	size := binary.LittleEndian.Uint32(data[0:4])
	if int(size) != len(data) {
		return fmt.Errorf("%w: frame length %d, have %d bytes", dberror.ErrMalformed, size, len(data))
	}
	if crc := uint32(xxhash.Sum64(data[8:])); crc != binary.LittleEndian.Uint32(data[4:8]) {
		return fmt.Errorf("%w: frame checksum mismatch", dberror.ErrMalformed)
	}
	lr.LSN = LSN(binary.LittleEndian.Uint64(data[8:16]))
	lr.PrevLSN = LSN(binary.LittleEndian.Uint64(data[16:24]))
	lr.TxnID = binary.LittleEndian.Uint64(data[24:32])
	lr.Type = LogRecordType(data[32])
	lr.UndoNextLSN = LSN(binary.LittleEndian.Uint64(data[33:41]))
	n := binary.LittleEndian.Uint32(data[41:45])
	if int(n) != len(data)-frameHeaderSize {
		return fmt.Errorf("%w: payload length %d", dberror.ErrMalformed, n)
	}
	if lr.Type < LogRecordTypeUpdate || lr.Type > LogRecordTypeCheckpoint {
		return fmt.Errorf("%w: %d", dberror.ErrUnknownRecord, byte(lr.Type))
	}
	lr.Payload = append([]byte(nil), data[frameHeaderSize:]...)
	return nil
}

// readFrame reads one frame from r. It returns io.EOF at a clean end and
// io.ErrUnexpectedEOF for a torn frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size < frameHeaderSize || size > frameHeaderSize+maxPayloadSize {
		return nil, fmt.Errorf("%w: frame length %d", dberror.ErrMalformed, size)
	}
	frame := make([]byte, size)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
