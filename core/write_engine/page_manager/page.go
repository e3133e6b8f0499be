package pagemanager

import (
	"container/list" // For LRU
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/xtcdb/core/dberror"
)

// --- Page Management ---

// LSN is a log sequence number.
type LSN uint64

const InvalidLSN LSN = 0

// PageID identifies a durable page: the container holding it and its block
// number inside that container. Block 0 of every container is reserved, so
// Number 0 never names a page.
type PageID struct {
	Container uint16
	Number    uint32
}

// InvalidPageID is the zero PageID.
var InvalidPageID = PageID{}

func (p PageID) IsValid() bool { return p.Number != 0 }

func (p PageID) String() string { return fmt.Sprintf("%d:%d", p.Container, p.Number) }

// Uint64 packs the page id into one integer, container in the high bits.
func (p PageID) Uint64() uint64 { return uint64(p.Container)<<32 | uint64(p.Number) }

// PageIDFromUint64 reverses Uint64.
func PageIDFromUint64(v uint64) PageID {
	return PageID{Container: uint16(v >> 32), Number: uint32(v)}
}

// ParsePageID parses the "container:number" form produced by String.
func ParsePageID(s string) (PageID, error) {
	c, n, ok := strings.Cut(s, ":")
	if !ok {
		return InvalidPageID, fmt.Errorf("%w: %q", dberror.ErrInvalidPageID, s)
	}
	cv, err := strconv.ParseUint(c, 10, 16)
	if err != nil {
		return InvalidPageID, fmt.Errorf("%w: %q", dberror.ErrInvalidPageID, s)
	}
	nv, err := strconv.ParseUint(n, 10, 32)
	if err != nil {
		return InvalidPageID, fmt.Errorf("%w: %q", dberror.ErrInvalidPageID, s)
	}
	return PageID{Container: uint16(cv), Number: uint32(nv)}, nil
}

const (
	// LSNSize and ChecksumSize frame the page body inside a block payload.
	LSNSize      = 8
	ChecksumSize = 8
)

// Page represents an in-memory copy of a disk page. The payload is laid out
// as [pageLSN][body][checksum]; the LSN and checksum are maintained by
// EncodeTo and Decode around every disk transfer.
type Page struct {
	id       PageID
	unit     int32 // owning unit as found in the block header
	data     []byte
	pinCount uint32
	isDirty  bool
	dropped  bool // released while pinned; discarded on last unpin
	lsn      LSN  // LSN of the last log record that modified this page
	// For LRU
	lruElement *list.Element

	latch     Latch
	updatedAt time.Time
}

// NewPage creates a new Page instance with a payload of size bytes.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
		lsn:  InvalidLSN,
	}
}

// Reset clears the frame for reuse by another page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.unit = 0
	p.pinCount = 0
	p.isDirty = false
	p.dropped = false
	p.lsn = InvalidLSN
	p.lruElement = nil
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) Unit() int32                      { return p.unit }
func (p *Page) SetUnit(u int32)                  { p.unit = u }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) IsDropped() bool                  { return p.dropped }
func (p *Page) SetDropped(d bool)                { p.dropped = d }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32     { return p.pinCount }
func (p *Page) GetLSN() LSN             { return p.lsn }
func (p *Page) SetLSN(lsn LSN)          { p.lsn = lsn }
func (p *Page) UpdatedAt(t time.Time)   { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time { return p.updatedAt }
func (p *Page) Latch() *Latch           { return &p.latch }

// Body returns the page bytes between the LSN and the checksum.
func (p *Page) Body() []byte { return p.data[LSNSize : len(p.data)-ChecksumSize] }

// BodySize returns the usable body size for a block payload of payloadSize bytes.
func BodySize(payloadSize int) int { return payloadSize - LSNSize - ChecksumSize }

// EncodeTo copies the payload into dst, which must be as long as the
// payload, stamping the page LSN and checksum. The frame itself is left
// untouched so that it can be encoded under a shared latch.
func (p *Page) EncodeTo(dst []byte) {
	copy(dst, p.data)
	binary.BigEndian.PutUint64(dst[:LSNSize], uint64(p.lsn))
	sum := xxhash.Sum64(dst[:len(dst)-ChecksumSize])
	binary.BigEndian.PutUint64(dst[len(dst)-ChecksumSize:], sum)
}

// Decode validates a payload just read from disk and loads its LSN. An all
// zero payload is a page that was never written and is accepted as is.
func (p *Page) Decode() error {
	stored := binary.BigEndian.Uint64(p.data[len(p.data)-ChecksumSize:])
	if stored == 0 && isZero(p.data) {
		p.lsn = InvalidLSN
		return nil
	}
	if sum := xxhash.Sum64(p.data[:len(p.data)-ChecksumSize]); sum != stored {
		return fmt.Errorf("%w: page %s", dberror.ErrChecksum, p.id)
	}
	p.lsn = LSN(binary.BigEndian.Uint64(p.data[:LSNSize]))
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
