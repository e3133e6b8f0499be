package extsort

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/sushant-115/xtcdb/core/dberror"
)

// Compression selects how run blocks are compressed on disk.
type Compression uint8

const (
	CompressSnappy Compression = iota // default
	CompressNone
	CompressLZ4
)

var compressionNames = map[Compression]string{
	CompressSnappy: "snappy",
	CompressNone:   "none",
	CompressLZ4:    "lz4",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

// ParseCompression maps a compression name to its Compression.
func ParseCompression(s string) (Compression, error) {
	for c, name := range compressionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) compress(in []byte) ([]byte, error) {
	switch c {
	case CompressNone:
		return in, nil
	case CompressLZ4:
		buf := &bytes.Buffer{}
		w := lz4.NewWriter(buf)
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return snappy.Encode(nil, in), nil
	}
}

func (c Compression) decompress(in []byte) ([]byte, error) {
	switch c {
	case CompressNone:
		return in, nil
	case CompressLZ4:
		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(lz4.NewReader(bytes.NewReader(in))); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return snappy.Decode(nil, in)
	}
}

type record struct {
	key   []byte
	value []byte
}

func (r record) size() int { return len(r.key) + len(r.value) + recordOverhead }

// recordOverhead approximates the slice headers kept per buffered record.
const recordOverhead = 48

// run is a spilled sorted sequence of records. Its file is a series of
// frames [len:u32][compressed block][len:u32], so that it can be read from
// either end. descending tells the order in which the records were written.
type run struct {
	path       string
	count      int
	descending bool
}

// --- Writing ---

type runWriter struct {
	f     *os.File
	w     *bufio.Writer
	comp  Compression
	limit int
	block []byte
	run   *run
}

func createRun(path string, comp Compression, blockSize int, descending bool) (*runWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, dberror.File(err, "create run", path)
	}
	return &runWriter{
		f:     f,
		w:     bufio.NewWriter(f),
		comp:  comp,
		limit: blockSize,
		run:   &run{path: path, descending: descending},
	}, nil
}

func (rw *runWriter) add(r record) error {
	rw.block = binary.AppendUvarint(rw.block, uint64(len(r.key)))
	rw.block = append(rw.block, r.key...)
	rw.block = binary.AppendUvarint(rw.block, uint64(len(r.value)))
	rw.block = append(rw.block, r.value...)
	rw.run.count++
	if len(rw.block) >= rw.limit {
		return rw.flushBlock()
	}
	return nil
}

func (rw *runWriter) flushBlock() error {
	if len(rw.block) == 0 {
		return nil
	}
	data, err := rw.comp.compress(rw.block)
	if err != nil {
		return dberror.File(err, "compress run block", rw.run.path)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	for _, p := range [][]byte{n[:], data, n[:]} {
		if _, err := rw.w.Write(p); err != nil {
			return dberror.File(err, "write run", rw.run.path)
		}
	}
	rw.block = rw.block[:0]
	return nil
}

func (rw *runWriter) close() (*run, error) {
	if err := rw.flushBlock(); err != nil {
		_ = rw.f.Close()
		return nil, err
	}
	if err := rw.w.Flush(); err != nil {
		_ = rw.f.Close()
		return nil, dberror.File(err, "flush run", rw.run.path)
	}
	if err := rw.f.Close(); err != nil {
		return nil, dberror.File(err, "close run", rw.run.path)
	}
	return rw.run, nil
}

// abort closes and removes a run that is being written.
func (rw *runWriter) abort() {
	_ = rw.f.Close()
	_ = os.Remove(rw.run.path)
}

// --- Reading ---

// runReader yields the records of a run front to back, or back to front
// when backward is set.
type runReader struct {
	f        *os.File
	path     string
	comp     Compression
	backward bool
	pos      int64 // next frame boundary
	size     int64
	block    []record
	i        int
}

func openRun(r *run, comp Compression, backward bool) (*runReader, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, dberror.File(err, "open run", r.path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, dberror.File(err, "stat run", r.path)
	}
	rr := &runReader{f: f, path: r.path, comp: comp, backward: backward, size: st.Size()}
	if backward {
		rr.pos = st.Size()
	}
	return rr, nil
}

// next returns the following record, or false at the end of the run.
func (rr *runReader) next() (record, bool, error) {
	for rr.i >= len(rr.block) {
		ok, err := rr.loadBlock()
		if err != nil || !ok {
			return record{}, false, err
		}
	}
	r := rr.block[rr.i]
	rr.i++
	return r, true, nil
}

func (rr *runReader) loadBlock() (bool, error) {
	var n [4]byte
	var start int64
	if rr.backward {
		if rr.pos == 0 {
			return false, nil
		}
		if _, err := rr.f.ReadAt(n[:], rr.pos-4); err != nil {
			return false, dberror.File(err, "read run", rr.path)
		}
		start = rr.pos - 8 - int64(binary.BigEndian.Uint32(n[:]))
	} else {
		if rr.pos == rr.size {
			return false, nil
		}
		start = rr.pos
	}
	if _, err := rr.f.ReadAt(n[:], start); err != nil {
		return false, dberror.File(err, "read run", rr.path)
	}
	length := int64(binary.BigEndian.Uint32(n[:]))
	if start < 0 || start+8+length > rr.size {
		return false, dberror.File(fmt.Errorf("%w: frame at %d", dberror.ErrShortIO, start), "read run", rr.path)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(rr.f, start+4, length), data); err != nil {
		return false, dberror.File(err, "read run", rr.path)
	}
	raw, err := rr.comp.decompress(data)
	if err != nil {
		return false, dberror.File(err, "decompress run block", rr.path)
	}
	block, err := decodeBlock(raw)
	if err != nil {
		return false, dberror.File(err, "decode run block", rr.path)
	}
	if rr.backward {
		for i, j := 0, len(block)-1; i < j; i, j = i+1, j-1 {
			block[i], block[j] = block[j], block[i]
		}
		rr.pos = start
	} else {
		rr.pos = start + 8 + length
	}
	rr.block, rr.i = block, 0
	return true, nil
}

func decodeBlock(raw []byte) ([]record, error) {
	var out []record
	for len(raw) > 0 {
		var r record
		var err error
		if r.key, raw, err = readField(raw); err != nil {
			return nil, err
		}
		if r.value, raw, err = readField(raw); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func readField(b []byte) ([]byte, []byte, error) {
	n, w := binary.Uvarint(b)
	if w <= 0 || uint64(len(b)-w) < n {
		return nil, nil, dberror.ErrShortIO
	}
	return b[w : w+int(n) : w+int(n)], b[w+int(n):], nil
}

func (rr *runReader) close() error { return rr.f.Close() }
