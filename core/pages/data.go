package pages

import (
	"encoding/binary"
	"fmt"
)

// DataBlockHeaderSize is the per-fragment header: payload length (u16) plus
// the next-fragment address.
const DataBlockHeaderSize = 2 + AddressSize

// MaxDataBlockPayload is the largest payload a single fragment can carry.
const MaxDataBlockPayload = PageSize - PageHeaderSize - SlotSize - DataBlockHeaderSize

// DataBlock is one fragment of a document. Documents larger than a page are
// chained through NextBlock.
type DataBlock struct {
	page     *DataPage
	Position PageAddress

	segment []byte
}

// DataLength returns the payload length of the fragment.
func (b *DataBlock) DataLength() int {
	return int(binary.LittleEndian.Uint16(b.segment[0:2]))
}

// NextBlock returns the address of the next fragment, or EmptyAddress.
func (b *DataBlock) NextBlock() PageAddress {
	return readAddress(b.segment[2:])
}

// SetNextBlock chains this fragment to the next one.
func (b *DataBlock) SetNextBlock(addr PageAddress) {
	writeAddress(b.segment[2:], addr)
	b.page.SetDirty(true)
}

// Payload returns the fragment's document bytes.
func (b *DataBlock) Payload() []byte {
	return b.segment[DataBlockHeaderSize : DataBlockHeaderSize+b.DataLength()]
}

// DataPage stores document fragments in its slotted body.
type DataPage struct {
	*BasePage
}

// NewDataPage initializes a fresh data page for a collection.
func NewDataPage(buffer *PageBuffer, pageID, colID uint32) *DataPage {
	p := &DataPage{BasePage: NewBasePage(buffer, pageID, PageTypeData)}
	p.colID = colID
	return p
}

// LoadDataPage decodes an existing data page.
func LoadDataPage(buffer *PageBuffer) (*DataPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.Type() != PageTypeData {
		return nil, fmt.Errorf("%w: want data, got %v on page %d", ErrInvalidPageType, base.Type(), base.ID())
	}
	return &DataPage{BasePage: base}, nil
}

// InsertBlock allocates a fragment with room for length payload bytes and
// returns the block positioned at its new address.
func (p *DataPage) InsertBlock(length int) (*DataBlock, error) {
	index, segment, err := p.Insert(DataBlockHeaderSize + length)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(segment[0:2], uint16(length))
	writeAddress(segment[2:], EmptyAddress)
	return &DataBlock{
		page:     p,
		Position: PageAddress{PageID: p.pageID, Index: index},
		segment:  segment,
	}, nil
}

// GetBlock reads the fragment stored at a slot.
func (p *DataPage) GetBlock(index byte) (*DataBlock, error) {
	segment, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	if len(segment) < DataBlockHeaderSize {
		return nil, fmt.Errorf("%w: truncated data block %d:%d", ErrInvalidSlot, p.pageID, index)
	}
	return &DataBlock{
		page:     p,
		Position: PageAddress{PageID: p.pageID, Index: index},
		segment:  segment,
	}, nil
}

// DeleteBlock removes the fragment at a slot.
func (p *DataPage) DeleteBlock(index byte) error {
	return p.Delete(index)
}
