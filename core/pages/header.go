package pages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ProKn1fe/LiteDB/core/bson"
)

// Header page layout (absolute offsets within page 0).
const (
	offHeaderInfo   = 32 // 27-byte signature
	offFileVersion  = 59 // u8
	offFreeEmptyList = 60 // u32, head of the global free-page list
	offLastPageID   = 64 // u32
	offCreationTime = 68 // i64, unix milliseconds

	offPragmaUserVersion = 76 // u32
	offPragmaTimeout     = 80 // u32, seconds
	offPragmaLimitSize   = 84 // i64, bytes
	offPragmaUtcDate     = 92 // u8
	offPragmaCheckpoint  = 93 // u32, log pages
	offPragmaCollation   = 97 // u16 length + bytes

	// offCollections is where the collections document starts. Everything
	// from here to the end of the page is available to it.
	offCollections = 512
)

// HeaderInfo is the file signature written at the start of page 0.
const HeaderInfo = "** This is a LiteDB file **"

// FileVersion is the single supported on-disk format version.
const FileVersion byte = 8

// MaxCollectionsSize bounds the serialized collections document.
const MaxCollectionsSize = PageSize - offCollections

var (
	ErrInvalidDatabase   = errors.New("pages: invalid database file (signature mismatch)")
	ErrCollectionsFull   = errors.New("pages: collections document exceeds header capacity")
	ErrPragmaUnknown     = errors.New("pages: unknown pragma")
	ErrPragmaReadOnly    = errors.New("pages: pragma cannot be changed after creation")
	ErrPragmaInvalid     = errors.New("pages: invalid pragma value")
)

// Pragma names persisted in the header.
const (
	PragmaUserVersion = "USER_VERSION"
	PragmaCollation   = "COLLATION"
	PragmaTimeout     = "TIMEOUT"
	PragmaLimitSize   = "LIMIT_SIZE"
	PragmaUtcDate     = "UTC_DATE"
	PragmaCheckpoint  = "CHECKPOINT"
)

// Pragmas is the persisted engine configuration.
type Pragmas struct {
	UserVersion uint32
	Collation   string
	Timeout     uint32 // lock wait, seconds
	LimitSize   int64  // max data file size in bytes; 0 = unlimited
	UtcDate     bool
	Checkpoint  uint32 // log pages before auto-checkpoint; 0 disables
}

func defaultPragmas() Pragmas {
	return Pragmas{
		Collation:  bson.BinaryCollation,
		Timeout:    60,
		Checkpoint: 1000,
	}
}

// HeaderPage is the typed view over page 0: file bootstrap fields, pragmas
// and the collections catalog.
type HeaderPage struct {
	*BasePage

	freeEmptyPageList uint32
	lastPageID        uint32
	creationTime      time.Time
	pragmas           Pragmas

	collections map[string]uint32
}

// NewHeaderPage initializes page 0 on a fresh database.
func NewHeaderPage(buffer *PageBuffer) *HeaderPage {
	h := &HeaderPage{
		BasePage:          NewBasePage(buffer, 0, PageTypeHeader),
		freeEmptyPageList: EmptyPageID,
		lastPageID:        0,
		creationTime:      time.Now().UTC(),
		pragmas:           defaultPragmas(),
		collections:       make(map[string]uint32),
	}
	h.UpdateBuffer()
	return h
}

// LoadHeaderPage decodes page 0, validating the file signature and version.
func LoadHeaderPage(buffer *PageBuffer) (*HeaderPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	if base.Type() != PageTypeHeader || base.ID() != 0 {
		return nil, ErrInvalidDatabase
	}
	a := buffer.Array
	if string(a[offHeaderInfo:offHeaderInfo+len(HeaderInfo)]) != HeaderInfo {
		return nil, ErrInvalidDatabase
	}
	if a[offFileVersion] != FileVersion {
		return nil, fmt.Errorf("%w: unsupported file version %d", ErrInvalidDatabase, a[offFileVersion])
	}

	h := &HeaderPage{
		BasePage:          base,
		freeEmptyPageList: binary.LittleEndian.Uint32(a[offFreeEmptyList:]),
		lastPageID:        binary.LittleEndian.Uint32(a[offLastPageID:]),
		creationTime:      time.UnixMilli(int64(binary.LittleEndian.Uint64(a[offCreationTime:]))).UTC(),
		collections:       make(map[string]uint32),
	}

	h.pragmas = Pragmas{
		UserVersion: binary.LittleEndian.Uint32(a[offPragmaUserVersion:]),
		Timeout:     binary.LittleEndian.Uint32(a[offPragmaTimeout:]),
		LimitSize:   int64(binary.LittleEndian.Uint64(a[offPragmaLimitSize:])),
		UtcDate:     a[offPragmaUtcDate] != 0,
		Checkpoint:  binary.LittleEndian.Uint32(a[offPragmaCheckpoint:]),
	}
	collationLen := int(binary.LittleEndian.Uint16(a[offPragmaCollation:]))
	if offPragmaCollation+2+collationLen > offCollections {
		return nil, ErrInvalidDatabase
	}
	h.pragmas.Collation = string(a[offPragmaCollation+2 : offPragmaCollation+2+collationLen])

	docLen := int(binary.LittleEndian.Uint32(a[offCollections:]))
	if docLen > 0 {
		if docLen > MaxCollectionsSize {
			return nil, ErrInvalidDatabase
		}
		doc, err := bson.DecodeDocument(a[offCollections : offCollections+docLen])
		if err != nil {
			return nil, fmt.Errorf("%w: collections document: %v", ErrInvalidDatabase, err)
		}
		for _, f := range doc.Fields() {
			h.collections[f.Name] = uint32(f.Value.AsInt32())
		}
	}
	return h, nil
}

// UpdateBuffer serializes the header payload plus the base header.
func (h *HeaderPage) UpdateBuffer() *PageBuffer {
	a := h.buffer.Array
	copy(a[offHeaderInfo:], HeaderInfo)
	a[offFileVersion] = FileVersion
	binary.LittleEndian.PutUint32(a[offFreeEmptyList:], h.freeEmptyPageList)
	binary.LittleEndian.PutUint32(a[offLastPageID:], h.lastPageID)
	binary.LittleEndian.PutUint64(a[offCreationTime:], uint64(h.creationTime.UnixMilli()))

	binary.LittleEndian.PutUint32(a[offPragmaUserVersion:], h.pragmas.UserVersion)
	binary.LittleEndian.PutUint32(a[offPragmaTimeout:], h.pragmas.Timeout)
	binary.LittleEndian.PutUint64(a[offPragmaLimitSize:], uint64(h.pragmas.LimitSize))
	if h.pragmas.UtcDate {
		a[offPragmaUtcDate] = 1
	} else {
		a[offPragmaUtcDate] = 0
	}
	binary.LittleEndian.PutUint32(a[offPragmaCheckpoint:], h.pragmas.Checkpoint)
	binary.LittleEndian.PutUint16(a[offPragmaCollation:], uint16(len(h.pragmas.Collation)))
	copy(a[offPragmaCollation+2:], h.pragmas.Collation)

	doc := h.collectionsDocument()
	encoded, _ := bson.EncodeDocument(doc)
	copy(a[offCollections:], encoded)

	return h.BasePage.UpdateBuffer()
}

func (h *HeaderPage) collectionsDocument() *bson.Document {
	names := make([]string, 0, len(h.collections))
	for name := range h.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	doc := bson.NewDocument()
	for _, name := range names {
		doc.Set(name, bson.Int32(int32(h.collections[name])))
	}
	return doc
}

func (h *HeaderPage) FreeEmptyPageList() uint32 { return h.freeEmptyPageList }
func (h *HeaderPage) LastPageID() uint32        { return h.lastPageID }
func (h *HeaderPage) CreationTime() time.Time   { return h.creationTime }

func (h *HeaderPage) SetFreeEmptyPageList(id uint32) {
	h.freeEmptyPageList = id
	h.dirty = true
}

func (h *HeaderPage) SetLastPageID(id uint32) {
	h.lastPageID = id
	h.dirty = true
}

// Pragmas returns a copy of the persisted pragmas.
func (h *HeaderPage) Pragmas() Pragmas { return h.pragmas }

// Pragma reads a single pragma by name.
func (h *HeaderPage) Pragma(name string) (bson.Value, error) {
	switch name {
	case PragmaUserVersion:
		return bson.Int32(int32(h.pragmas.UserVersion)), nil
	case PragmaCollation:
		return bson.String(h.pragmas.Collation), nil
	case PragmaTimeout:
		return bson.Int32(int32(h.pragmas.Timeout)), nil
	case PragmaLimitSize:
		return bson.Int64(h.pragmas.LimitSize), nil
	case PragmaUtcDate:
		return bson.Bool(h.pragmas.UtcDate), nil
	case PragmaCheckpoint:
		return bson.Int32(int32(h.pragmas.Checkpoint)), nil
	}
	return bson.Value{}, fmt.Errorf("%w: %s", ErrPragmaUnknown, name)
}

// SetPragma validates and updates a single pragma. COLLATION is immutable
// after database creation (indexes are ordered under it).
func (h *HeaderPage) SetPragma(name string, value bson.Value) error {
	switch name {
	case PragmaUserVersion:
		h.pragmas.UserVersion = uint32(value.AsInt32())
	case PragmaCollation:
		return fmt.Errorf("%w: %s", ErrPragmaReadOnly, name)
	case PragmaTimeout:
		if value.AsInt32() < 1 {
			return fmt.Errorf("%w: TIMEOUT must be >= 1 second", ErrPragmaInvalid)
		}
		h.pragmas.Timeout = uint32(value.AsInt32())
	case PragmaLimitSize:
		if value.AsInt64() != 0 && value.AsInt64() < 4*PageSize {
			return fmt.Errorf("%w: LIMIT_SIZE must be at least %d bytes", ErrPragmaInvalid, 4*PageSize)
		}
		h.pragmas.LimitSize = value.AsInt64()
	case PragmaUtcDate:
		h.pragmas.UtcDate = value.AsBool()
	case PragmaCheckpoint:
		if value.AsInt32() < 0 {
			return fmt.Errorf("%w: CHECKPOINT must be >= 0", ErrPragmaInvalid)
		}
		h.pragmas.Checkpoint = uint32(value.AsInt32())
	default:
		return fmt.Errorf("%w: %s", ErrPragmaUnknown, name)
	}
	h.dirty = true
	return nil
}

// SetCollation stores the collation at database creation time only.
func (h *HeaderPage) SetCollation(collation string) {
	h.pragmas.Collation = collation
	h.dirty = true
}

// GetCollectionPageID resolves a collection name to its collection page.
func (h *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	id, ok := h.collections[name]
	return id, ok
}

// CollectionNames returns all collection names in sorted order.
func (h *HeaderPage) CollectionNames() []string {
	names := make([]string, 0, len(h.collections))
	for name := range h.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InsertCollection registers a new collection, enforcing the header budget.
func (h *HeaderPage) InsertCollection(name string, pageID uint32) error {
	h.collections[name] = pageID
	encoded, err := bson.EncodeDocument(h.collectionsDocument())
	if err == nil && len(encoded) > MaxCollectionsSize {
		err = ErrCollectionsFull
	}
	if err != nil {
		delete(h.collections, name)
		return err
	}
	h.dirty = true
	return nil
}

// DeleteCollection removes a collection from the catalog.
func (h *HeaderPage) DeleteCollection(name string) {
	delete(h.collections, name)
	h.dirty = true
}

// RenameCollection moves a catalog entry to a new name.
func (h *HeaderPage) RenameCollection(oldName, newName string) error {
	id, ok := h.collections[oldName]
	if !ok {
		return fmt.Errorf("collection %q not found", oldName)
	}
	delete(h.collections, oldName)
	if err := h.InsertCollection(newName, id); err != nil {
		h.collections[oldName] = id
		return err
	}
	return nil
}

// Savepoint captures the serialized header state for rollback.
func (h *HeaderPage) Savepoint() []byte {
	h.UpdateBuffer()
	snapshot := make([]byte, PageSize)
	copy(snapshot, h.buffer.Array)
	return snapshot
}

// Restore rewinds the header to a Savepoint capture.
func (h *HeaderPage) Restore(snapshot []byte) error {
	copy(h.buffer.Array, snapshot)
	reloaded, err := LoadHeaderPage(h.buffer)
	if err != nil {
		return err
	}
	*h = *reloaded
	return nil
}
