// Package skiplist implements the index service: skip lists over
// page-addressed nodes, with geometric level randomization, unique key
// enforcement and free index page maintenance.
package skiplist

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/core/pages"
	"github.com/ProKn1fe/LiteDB/core/transactions"
)

// Order selects iteration direction.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1
)

var (
	// ErrInvalidIndexKey is returned for Min/Max keys or keys whose encoded
	// form exceeds the limit.
	ErrInvalidIndexKey = errors.New("skiplist: invalid index key")
	// ErrDuplicateKey is returned on unique constraint violations.
	ErrDuplicateKey = errors.New("skiplist: duplicate key in unique index")
)

// IndexService operates one collection's skip lists through a snapshot.
type IndexService struct {
	snapshot  *transactions.Snapshot
	collation *bson.Collation
}

// NewIndexService binds the service to a snapshot and the collection's
// collation.
func NewIndexService(snapshot *transactions.Snapshot, collation *bson.Collation) *IndexService {
	return &IndexService{snapshot: snapshot, collation: collation}
}

// Flip draws a node level: one plus the number of trailing set bits of a
// uniform 32-bit integer, so a level in [1, MaxLevelLength]. Yields the
// geometric distribution the skip list needs.
func (s *IndexService) Flip() byte {
	levels := byte(1)
	for r := rand.Uint32(); r&1 == 1; r >>= 1 {
		if levels == pages.MaxLevelLength {
			break
		}
		levels++
	}
	return levels
}

// CreateIndex registers a new index on the collection and wires its head and
// tail sentinel nodes at full height.
func (s *IndexService) CreateIndex(name, expr string, unique bool) (*pages.CollectionIndex, error) {
	index, err := s.snapshot.CollectionPage().InsertCollectionIndex(name, expr, unique)
	if err != nil {
		return nil, err
	}
	if err := s.wireHeadTail(index); err != nil {
		return nil, err
	}
	return index, nil
}

// WirePK initializes the primary key's sentinels on a freshly created
// collection page.
func (s *IndexService) WirePK() error {
	return s.wireHeadTail(s.snapshot.CollectionPage().PK())
}

func (s *IndexService) wireHeadTail(index *pages.CollectionIndex) error {
	page, err := s.snapshot.GetFreeIndexPage(index)
	if err != nil {
		return err
	}
	headKey, _ := bson.EncodeValue(bson.MinValue)
	head, err := page.InsertNode(index.Slot, pages.MaxLevelLength, bson.MinValue, pages.EmptyAddress, len(headKey))
	if err != nil {
		return err
	}
	tailKey, _ := bson.EncodeValue(bson.MaxValue)
	tail, err := page.InsertNode(index.Slot, pages.MaxLevelLength, bson.MaxValue, pages.EmptyAddress, len(tailKey))
	if err != nil {
		return err
	}
	for level := byte(0); level < pages.MaxLevelLength; level++ {
		head.SetNext(level, tail.Position)
		tail.SetPrev(level, head.Position)
	}
	index.Head = head.Position
	index.Tail = tail.Position
	index.MaxLevel = 1
	s.snapshot.CollectionPage().MarkIndexesDirty()
	return s.snapshot.AddOrRemoveFreeIndexList(page, index)
}

// Add inserts a key into an index, splicing a new node at a random level.
// When last is supplied the new node is appended to the per-document index
// chain.
func (s *IndexService) Add(index *pages.CollectionIndex, key bson.Value, dataBlock pages.PageAddress, last *pages.IndexNode) (*pages.IndexNode, error) {
	if key.IsMinOrMax() {
		return nil, fmt.Errorf("%w: MinValue/MaxValue cannot be indexed", ErrInvalidIndexKey)
	}
	encodedKey, err := bson.EncodeValue(key)
	if err != nil {
		return nil, err
	}
	if len(encodedKey) > pages.MaxIndexKeyLength {
		return nil, fmt.Errorf("%w: encoded key is %d bytes (max %d)", ErrInvalidIndexKey, len(encodedKey), pages.MaxIndexKeyLength)
	}

	levels := s.Flip()
	if levels > index.MaxLevel {
		index.MaxLevel = levels
		s.snapshot.CollectionPage().MarkIndexesDirty()
	}

	page, err := s.snapshot.GetFreeIndexPage(index)
	if err != nil {
		return nil, err
	}
	node, err := page.InsertNode(index.Slot, levels, key, dataBlock, len(encodedKey))
	if err != nil {
		return nil, err
	}

	current, err := s.snapshot.GetIndexNode(index.Head)
	if err != nil {
		return nil, err
	}
	for level := int(index.MaxLevel) - 1; level >= 0; level-- {
		for {
			nextAddr := current.GetNext(byte(level))
			next, err := s.snapshot.GetIndexNode(nextAddr)
			if err != nil {
				return nil, err
			}
			cmp := next.Key.Compare(key, s.collation)
			if cmp < 0 {
				current = next
				continue
			}
			if cmp == 0 && index.Unique && !next.Key.IsMinOrMax() {
				return nil, fmt.Errorf("%w: index %q", ErrDuplicateKey, index.Name)
			}
			if byte(level) < levels {
				node.SetPrev(byte(level), current.Position)
				node.SetNext(byte(level), nextAddr)
				next.SetPrev(byte(level), node.Position)
				current.SetNext(byte(level), node.Position)
			}
			break
		}
	}

	if last != nil {
		last.SetNextNode(node.Position)
	}

	index.KeyCount++
	s.snapshot.CollectionPage().MarkIndexesDirty()
	if err := s.snapshot.AddOrRemoveFreeIndexList(page, index); err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteSingle unsplices one node from every level it participates in and
// frees its slot.
func (s *IndexService) DeleteSingle(index *pages.CollectionIndex, node *pages.IndexNode) error {
	for level := byte(0); level < node.Levels; level++ {
		prevAddr, nextAddr := node.GetPrev(level), node.GetNext(level)
		prev, err := s.snapshot.GetIndexNode(prevAddr)
		if err != nil {
			return err
		}
		next, err := s.snapshot.GetIndexNode(nextAddr)
		if err != nil {
			return err
		}
		prev.SetNext(level, nextAddr)
		next.SetPrev(level, prevAddr)
	}

	page, err := s.snapshot.GetIndexPage(node.Position.PageID)
	if err != nil {
		return err
	}
	if err := page.DeleteNode(node.Position.Index); err != nil {
		return err
	}
	if index.KeyCount > 0 {
		index.KeyCount--
	}
	s.snapshot.CollectionPage().MarkIndexesDirty()
	return s.snapshot.AddOrRemoveFreeIndexList(page, index)
}

// DeleteAll removes a document's entire node chain, starting from its PK
// node, across every index.
func (s *IndexService) DeleteAll(pkNode *pages.IndexNode) error {
	indexes := s.snapshot.CollectionPage().GetCollectionIndexes()
	bySlot := make(map[byte]*pages.CollectionIndex, len(indexes))
	for _, index := range indexes {
		bySlot[index.Slot] = index
	}

	node := pkNode
	for {
		nextAddr := node.NextNode()
		index, ok := bySlot[node.Slot]
		if !ok {
			return fmt.Errorf("skiplist: node %v references unknown index slot %d", node.Position, node.Slot)
		}
		if err := s.DeleteSingle(index, node); err != nil {
			return err
		}
		if nextAddr.IsEmpty() {
			return nil
		}
		next, err := s.snapshot.GetIndexNode(nextAddr)
		if err != nil {
			return err
		}
		node = next
	}
}

// Find locates the node with an exact key, or, with sibling, the adjacent
// node in the requested order. Returns nil when nothing qualifies.
func (s *IndexService) Find(index *pages.CollectionIndex, value bson.Value, sibling bool, order Order) (*pages.IndexNode, error) {
	current, err := s.snapshot.GetIndexNode(index.Head)
	if err != nil {
		return nil, err
	}
	for level := int(index.MaxLevel) - 1; level >= 0; level-- {
		for {
			next, err := s.snapshot.GetIndexNode(current.GetNext(byte(level)))
			if err != nil {
				return nil, err
			}
			if next.Key.Compare(value, s.collation) >= 0 {
				break
			}
			current = next
		}
	}
	// current is the greatest node below value.
	candidate, err := s.snapshot.GetIndexNode(current.GetNext(0))
	if err != nil {
		return nil, err
	}
	if !candidate.Key.IsMinOrMax() && candidate.Key.Compare(value, s.collation) == 0 {
		return candidate, nil
	}
	if !sibling {
		return nil, nil
	}
	if order == Ascending {
		if candidate.Key.Type() == bson.TypeMaxValue {
			return nil, nil
		}
		return candidate, nil
	}
	if current.Key.Type() == bson.TypeMinValue {
		return nil, nil
	}
	return current, nil
}

// First returns the first real node in the given order, or nil on an empty
// index.
func (s *IndexService) First(index *pages.CollectionIndex, order Order) (*pages.IndexNode, error) {
	var start pages.PageAddress
	if order == Ascending {
		start = index.Head
	} else {
		start = index.Tail
	}
	sentinel, err := s.snapshot.GetIndexNode(start)
	if err != nil {
		return nil, err
	}
	return s.Next(sentinel, order)
}

// Next returns the following real node in the given order, or nil at the
// end of the list.
func (s *IndexService) Next(node *pages.IndexNode, order Order) (*pages.IndexNode, error) {
	var addr pages.PageAddress
	if order == Ascending {
		addr = node.GetNext(0)
	} else {
		addr = node.GetPrev(0)
	}
	if addr.IsEmpty() {
		return nil, nil
	}
	next, err := s.snapshot.GetIndexNode(addr)
	if err != nil {
		return nil, err
	}
	if next.Key.IsMinOrMax() {
		return nil, nil
	}
	return next, nil
}

// FindAll returns every real node of an index in the given order.
func (s *IndexService) FindAll(index *pages.CollectionIndex, order Order) ([]*pages.IndexNode, error) {
	var out []*pages.IndexNode
	node, err := s.First(index, order)
	if err != nil {
		return nil, err
	}
	for node != nil {
		out = append(out, node)
		node, err = s.Next(node, order)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
