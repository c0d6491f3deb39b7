package pages

import (
	"fmt"

	"github.com/ProKn1fe/LiteDB/core/bson"
)

// Index node record layout inside an index page slot:
//
//	slot (u8) levels (u8) dataBlock (5) nextNode (5)
//	[prev (5) next (5)] * levels
//	key (inline value encoding)
const indexNodeFixedSize = 1 + 1 + AddressSize + AddressSize

// MaxIndexNodeSize bounds a full-height node with a maximum-length key; index
// pages with at least this much free space can host any node.
const MaxIndexNodeSize = indexNodeFixedSize + MaxLevelLength*2*AddressSize + MaxIndexKeyLength + 3

// IndexNode is a materialized skip list node. Link mutations write through
// to the page body immediately.
type IndexNode struct {
	page     *IndexPage
	Position PageAddress

	Slot      byte
	Levels    byte
	Key       bson.Value
	segment   []byte
}

func (n *IndexNode) linkOffset(level byte, next bool) int {
	off := indexNodeFixedSize + int(level)*2*AddressSize
	if next {
		off += AddressSize
	}
	return off
}

// DataBlock returns the address of the document this node indexes.
func (n *IndexNode) DataBlock() PageAddress {
	return readAddress(n.segment[2:])
}

// SetDataBlock points the node at a document fragment chain.
func (n *IndexNode) SetDataBlock(addr PageAddress) {
	writeAddress(n.segment[2:], addr)
	n.page.SetDirty(true)
}

// NextNode returns the next node in the per-document index chain.
func (n *IndexNode) NextNode() PageAddress {
	return readAddress(n.segment[2+AddressSize:])
}

// SetNextNode links the per-document index chain.
func (n *IndexNode) SetNextNode(addr PageAddress) {
	writeAddress(n.segment[2+AddressSize:], addr)
	n.page.SetDirty(true)
}

// GetPrev returns the backward link at a level.
func (n *IndexNode) GetPrev(level byte) PageAddress {
	return readAddress(n.segment[n.linkOffset(level, false):])
}

// SetPrev updates the backward link at a level.
func (n *IndexNode) SetPrev(level byte, addr PageAddress) {
	writeAddress(n.segment[n.linkOffset(level, false):], addr)
	n.page.SetDirty(true)
}

// GetNext returns the forward link at a level.
func (n *IndexNode) GetNext(level byte) PageAddress {
	return readAddress(n.segment[n.linkOffset(level, true):])
}

// SetNext updates the forward link at a level.
func (n *IndexNode) SetNext(level byte, addr PageAddress) {
	writeAddress(n.segment[n.linkOffset(level, true):], addr)
	n.page.SetDirty(true)
}

// IndexNodeLength returns the serialized size of a node with the given level
// count and encoded key length.
func IndexNodeLength(levels byte, keyLength int) int {
	return indexNodeFixedSize + int(levels)*2*AddressSize + keyLength
}

// IndexPage stores skip list nodes in its slotted body.
type IndexPage struct {
	*BasePage
}

// NewIndexPage initializes a fresh index page for a collection.
func NewIndexPage(buffer *PageBuffer, pageID, colID uint32) *IndexPage {
	p := &IndexPage{BasePage: NewBasePage(buffer, pageID, PageTypeIndex)}
	p.colID = colID
	return p
}

// LoadIndexPage decodes an existing index page.
func LoadIndexPage(buffer *PageBuffer) (*IndexPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.Type() != PageTypeIndex {
		return nil, fmt.Errorf("%w: want index, got %v on page %d", ErrInvalidPageType, base.Type(), base.ID())
	}
	return &IndexPage{BasePage: base}, nil
}

// InsertNode allocates and initializes a node record. All level links start
// empty; the caller splices the node into the lists.
func (p *IndexPage) InsertNode(indexSlot, levels byte, key bson.Value, dataBlock PageAddress, keyLength int) (*IndexNode, error) {
	index, segment, err := p.Insert(IndexNodeLength(levels, keyLength))
	if err != nil {
		return nil, err
	}

	segment[0] = indexSlot
	segment[1] = levels
	writeAddress(segment[2:], dataBlock)
	writeAddress(segment[2+AddressSize:], EmptyAddress)
	for level := byte(0); level < levels; level++ {
		off := indexNodeFixedSize + int(level)*2*AddressSize
		writeAddress(segment[off:], EmptyAddress)
		writeAddress(segment[off+AddressSize:], EmptyAddress)
	}
	encodedKey, err := bson.EncodeValue(key)
	if err != nil {
		return nil, err
	}
	copy(segment[indexNodeFixedSize+int(levels)*2*AddressSize:], encodedKey)

	return &IndexNode{
		page:     p,
		Position: PageAddress{PageID: p.pageID, Index: index},
		Slot:     indexSlot,
		Levels:   levels,
		Key:      key,
		segment:  segment,
	}, nil
}

// GetNode reads the node stored at a slot.
func (p *IndexPage) GetNode(index byte) (*IndexNode, error) {
	segment, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	if len(segment) < indexNodeFixedSize {
		return nil, fmt.Errorf("%w: truncated index node %d:%d", ErrInvalidSlot, p.pageID, index)
	}
	levels := segment[1]
	keyOffset := indexNodeFixedSize + int(levels)*2*AddressSize
	if keyOffset > len(segment) {
		return nil, fmt.Errorf("%w: truncated index node %d:%d", ErrInvalidSlot, p.pageID, index)
	}
	key, _, err := bson.DecodeValue(segment[keyOffset:])
	if err != nil {
		return nil, err
	}
	return &IndexNode{
		page:     p,
		Position: PageAddress{PageID: p.pageID, Index: index},
		Slot:     segment[0],
		Levels:   levels,
		Key:      key,
		segment:  segment,
	}, nil
}

// DeleteNode removes the node record at a slot.
func (p *IndexPage) DeleteNode(index byte) error {
	return p.Delete(index)
}
