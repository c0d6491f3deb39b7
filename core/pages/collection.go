package pages

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Free data page list slots: a data page belongs to the slot matching its
// remaining free bytes, so the allocator can pick a page that fits without
// scanning.
const FreeDataPageSlots = 5

// freeSlotThresholds[i] is the minimum free-byte count for slot i.
var freeSlotThresholds = [FreeDataPageSlots]int{1000, 600, 250, 90, 0}

// FreeSlotFor returns the free-list slot a data page with the given free
// bytes belongs to.
func FreeSlotFor(freeBytes int) byte {
	for i := 0; i < FreeDataPageSlots-1; i++ {
		if freeBytes >= freeSlotThresholds[i] {
			return byte(i)
		}
	}
	return FreeDataPageSlots - 1
}

// MinimumSlotFor returns the highest slot index (smallest threshold) whose
// pages are guaranteed to hold at least the given free bytes, or -1 when only
// a fresh page can fit it.
func MinimumSlotFor(length int) int {
	for i := FreeDataPageSlots - 2; i >= 0; i-- {
		if freeSlotThresholds[i] >= length {
			return i
		}
	}
	return -1
}

// MaxLevelLength is the skip list level cap.
const MaxLevelLength = 32

// MaxIndexKeyLength bounds the serialized index key size.
const MaxIndexKeyLength = 1024

// Collection page layout (absolute offsets).
const (
	offFreeDataLists = 32                                         // 5 * u32
	offIndexes       = offFreeDataLists + FreeDataPageSlots*4     // u8 count + entries
)

var (
	ErrIndexSlotsFull   = errors.New("pages: no free index slots in collection")
	ErrIndexesFull      = errors.New("pages: indexes do not fit in collection page")
	ErrIndexNotFound    = errors.New("pages: index not found")
	ErrIndexNameInvalid = errors.New("pages: invalid index name")
)

// CollectionIndex is the persisted descriptor of one skip list.
type CollectionIndex struct {
	Slot              byte
	Name              string
	Expr              string
	Unique            bool
	Head              PageAddress
	Tail              PageAddress
	FreeIndexPageList uint32
	MaxLevel          byte
	Reserved          byte
	KeyCount          uint64
}

func (i *CollectionIndex) serializedLength() int {
	return 1 + 1 + len(i.Name) + 1 + len(i.Expr) + 1 + AddressSize*2 + 4 + 1 + 1 + 8
}

// CollectionPage is the typed view over a collection's root page: the PK and
// secondary index descriptors plus the five free data page lists.
type CollectionPage struct {
	*BasePage

	freeDataPageList [FreeDataPageSlots]uint32
	indexes          []*CollectionIndex
}

// NewCollectionPage initializes a fresh collection page. The PK index is
// created at slot 0 but its head/tail must be wired by the caller once the
// first index page exists.
func NewCollectionPage(buffer *PageBuffer, pageID uint32) *CollectionPage {
	p := &CollectionPage{
		BasePage: NewBasePage(buffer, pageID, PageTypeCollection),
	}
	p.colID = pageID
	for i := range p.freeDataPageList {
		p.freeDataPageList[i] = EmptyPageID
	}
	p.indexes = []*CollectionIndex{{
		Slot:              0,
		Name:              "_id",
		Expr:              "$._id",
		Unique:            true,
		Head:              EmptyAddress,
		Tail:              EmptyAddress,
		FreeIndexPageList: EmptyPageID,
		MaxLevel:          1,
	}}
	return p
}

// LoadCollectionPage decodes an existing collection page.
func LoadCollectionPage(buffer *PageBuffer) (*CollectionPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.Type() != PageTypeCollection {
		return nil, fmt.Errorf("%w: want collection, got %v on page %d", ErrInvalidPageType, base.Type(), base.ID())
	}
	p := &CollectionPage{BasePage: base}

	a := buffer.Array
	for i := 0; i < FreeDataPageSlots; i++ {
		p.freeDataPageList[i] = binary.LittleEndian.Uint32(a[offFreeDataLists+i*4:])
	}

	pos := offIndexes
	count := int(a[pos])
	pos++
	for n := 0; n < count; n++ {
		idx := &CollectionIndex{}
		idx.Slot = a[pos]
		pos++
		nameLen := int(a[pos])
		pos++
		idx.Name = string(a[pos : pos+nameLen])
		pos += nameLen
		exprLen := int(a[pos])
		pos++
		idx.Expr = string(a[pos : pos+exprLen])
		pos += exprLen
		idx.Unique = a[pos] != 0
		pos++
		idx.Head = readAddress(a[pos:])
		pos += AddressSize
		idx.Tail = readAddress(a[pos:])
		pos += AddressSize
		idx.FreeIndexPageList = binary.LittleEndian.Uint32(a[pos:])
		pos += 4
		idx.MaxLevel = a[pos]
		pos++
		idx.Reserved = a[pos]
		pos++
		idx.KeyCount = binary.LittleEndian.Uint64(a[pos:])
		pos += 8
		p.indexes = append(p.indexes, idx)
	}
	return p, nil
}

// UpdateBuffer serializes the free lists and index descriptors plus the base
// header.
func (p *CollectionPage) UpdateBuffer() *PageBuffer {
	a := p.buffer.Array
	for i := 0; i < FreeDataPageSlots; i++ {
		binary.LittleEndian.PutUint32(a[offFreeDataLists+i*4:], p.freeDataPageList[i])
	}

	pos := offIndexes
	a[pos] = byte(len(p.indexes))
	pos++
	for _, idx := range p.indexes {
		a[pos] = idx.Slot
		pos++
		a[pos] = byte(len(idx.Name))
		pos++
		copy(a[pos:], idx.Name)
		pos += len(idx.Name)
		a[pos] = byte(len(idx.Expr))
		pos++
		copy(a[pos:], idx.Expr)
		pos += len(idx.Expr)
		if idx.Unique {
			a[pos] = 1
		} else {
			a[pos] = 0
		}
		pos++
		writeAddress(a[pos:], idx.Head)
		pos += AddressSize
		writeAddress(a[pos:], idx.Tail)
		pos += AddressSize
		binary.LittleEndian.PutUint32(a[pos:], idx.FreeIndexPageList)
		pos += 4
		a[pos] = idx.MaxLevel
		pos++
		a[pos] = idx.Reserved
		pos++
		binary.LittleEndian.PutUint64(a[pos:], idx.KeyCount)
		pos += 8
	}
	return p.BasePage.UpdateBuffer()
}

func readAddress(a []byte) PageAddress {
	return PageAddress{
		PageID: binary.LittleEndian.Uint32(a),
		Index:  a[4],
	}
}

func writeAddress(a []byte, addr PageAddress) {
	binary.LittleEndian.PutUint32(a, addr.PageID)
	a[4] = addr.Index
}

// PK returns the primary key index descriptor.
func (p *CollectionPage) PK() *CollectionIndex {
	return p.indexes[0]
}

// GetCollectionIndex finds an index descriptor by name.
func (p *CollectionPage) GetCollectionIndex(name string) (*CollectionIndex, bool) {
	for _, idx := range p.indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

// GetCollectionIndexes returns all index descriptors, PK first.
func (p *CollectionPage) GetCollectionIndexes() []*CollectionIndex {
	return p.indexes
}

// InsertCollectionIndex allocates a slot for a new index descriptor,
// enforcing the page budget.
func (p *CollectionPage) InsertCollectionIndex(name, expr string, unique bool) (*CollectionIndex, error) {
	if name == "" || len(name) > 32 {
		return nil, fmt.Errorf("%w: %q", ErrIndexNameInvalid, name)
	}

	slot := -1
	used := make(map[byte]bool, len(p.indexes))
	for _, idx := range p.indexes {
		used[idx.Slot] = true
	}
	for s := 0; s <= 255; s++ {
		if !used[byte(s)] {
			slot = s
			break
		}
	}
	if slot < 0 {
		return nil, ErrIndexSlotsFull
	}

	idx := &CollectionIndex{
		Slot:              byte(slot),
		Name:              name,
		Expr:              expr,
		Unique:            unique,
		Head:              EmptyAddress,
		Tail:              EmptyAddress,
		FreeIndexPageList: EmptyPageID,
		MaxLevel:          1,
	}

	total := 1
	for _, existing := range p.indexes {
		total += existing.serializedLength()
	}
	if offIndexes+total+idx.serializedLength() > PageSize {
		return nil, ErrIndexesFull
	}

	p.indexes = append(p.indexes, idx)
	p.dirty = true
	return idx, nil
}

// DeleteCollectionIndex removes an index descriptor by name.
func (p *CollectionPage) DeleteCollectionIndex(name string) error {
	for i, idx := range p.indexes {
		if idx.Name == name {
			if i == 0 {
				return fmt.Errorf("%w: cannot drop the primary key", ErrIndexNameInvalid)
			}
			p.indexes = append(p.indexes[:i], p.indexes[i+1:]...)
			p.dirty = true
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrIndexNotFound, name)
}

// FreeDataPageList returns the head page of a free-space slot.
func (p *CollectionPage) FreeDataPageList(slot byte) uint32 {
	return p.freeDataPageList[slot]
}

// SetFreeDataPageList updates the head page of a free-space slot.
func (p *CollectionPage) SetFreeDataPageList(slot byte, pageID uint32) {
	p.freeDataPageList[slot] = pageID
	p.dirty = true
}

// MarkIndexesDirty flags the page after descriptor mutation through PK() or
// GetCollectionIndex.
func (p *CollectionPage) MarkIndexesDirty() {
	p.dirty = true
}
