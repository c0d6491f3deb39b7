package pages

import "fmt"

// PageAddress locates a variable-length record inside a page: the page ID
// plus the slot index of the record.
type PageAddress struct {
	PageID uint32
	Index  byte
}

// AddressSize is the serialized size of a PageAddress (u32 + u8).
const AddressSize = 5

// EmptyAddress is the "no record" link value.
var EmptyAddress = PageAddress{PageID: EmptyPageID, Index: EmptySlot}

// IsEmpty reports whether the address points nowhere.
func (a PageAddress) IsEmpty() bool {
	return a.PageID == EmptyPageID && a.Index == EmptySlot
}

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("%d:%d", a.PageID, a.Index)
}
