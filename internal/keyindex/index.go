// Package keyindex implements a sparse bitmap index over uint32 keys.
//
// Keys are grouped into pages of 256; each page is a single 256-bit word in
// which bit i records that key page*256+i holds a value. Pages are allocated
// on first write and tracked in an ordered set so nearest-key searches skip
// empty regions of the keyspace without scanning them.
package keyindex

import (
	"errors"
	"iter"
	"math"

	"github.com/google/btree"
	"github.com/holiman/uint256"

	"indexed-twap/internal/bitops"
)

var (
	// ErrBelowZero is returned when a backwards search starts at key 0.
	ErrBelowZero = errors.New("keyindex: can not query value prior to 0")
	// ErrInvalidRange is returned when a range query has lo > hi.
	ErrInvalidRange = errors.New("keyindex: invalid range")
)

const (
	pageShift = 8
	bitMask   = 0xff
)

// Index records which keys are set.
type Index struct {
	pages map[uint32]*uint256.Int
	live  *btree.BTreeG[uint32]
	count int
}

// New constructs an empty index.
func New() *Index {
	return &Index{
		pages: make(map[uint32]*uint256.Int),
		live:  btree.NewOrderedG[uint32](16),
	}
}

func pageOf(key uint32) (uint32, uint) {
	return key >> pageShift, uint(key & bitMask)
}

func keyOf(page uint32, bit uint) uint32 {
	return page<<pageShift | uint32(bit)
}

// MarkKey sets key. Marking an already set key is a no-op.
func (ix *Index) MarkKey(key uint32) {
	page, bit := pageOf(key)
	word, ok := ix.pages[page]
	if !ok {
		word = new(uint256.Int)
		ix.pages[page] = word
		ix.live.ReplaceOrInsert(page)
	}
	if bitops.HasBit(word, bit) {
		return
	}
	bitops.SetBit(word, bit)
	ix.count++
}

// HasKey reports whether key is set.
func (ix *Index) HasKey(key uint32) bool {
	page, bit := pageOf(key)
	word, ok := ix.pages[page]
	return ok && bitops.HasBit(word, bit)
}

// Len returns the number of set keys.
func (ix *Index) Len() int { return ix.count }

// FindPrecedingKey returns the nearest set key in [from-maxDistance, from),
// clamped at 0. It fails with ErrBelowZero when from is 0.
func (ix *Index) FindPrecedingKey(from, maxDistance uint32) (uint32, bool, error) {
	if from == 0 {
		return 0, false, ErrBelowZero
	}
	if maxDistance == 0 {
		return 0, false, nil
	}
	var floor uint32
	if maxDistance < from {
		floor = from - maxDistance
	}

	page, bit := pageOf(from - 1)
	floorPage, floorBit := pageOf(floor)

	if word, ok := ix.pages[page]; ok {
		masked := new(uint256.Int).And(word, bitops.MaskAtOrBelow(bit))
		if page == floorPage {
			masked.And(masked, bitops.MaskAtOrAbove(floorBit))
		}
		if hb, err := bitops.HighestSetBit(masked); err == nil {
			return keyOf(page, hb), true, nil
		}
	}
	if page == floorPage {
		return 0, false, nil
	}

	var (
		result uint32
		found  bool
	)
	ix.live.DescendLessOrEqual(page-1, func(p uint32) bool {
		if p < floorPage {
			return false
		}
		masked := new(uint256.Int).Set(ix.pages[p])
		if p == floorPage {
			masked.And(masked, bitops.MaskAtOrAbove(floorBit))
		}
		if hb, err := bitops.HighestSetBit(masked); err == nil {
			result, found = keyOf(p, hb), true
		}
		return false
	})
	return result, found, nil
}

// FindFollowingKey returns the nearest set key in (from, from+maxDistance],
// clamped at the top of the keyspace.
func (ix *Index) FindFollowingKey(from, maxDistance uint32) (uint32, bool, error) {
	if from == math.MaxUint32 || maxDistance == 0 {
		return 0, false, nil
	}
	ceiling := uint64(from) + uint64(maxDistance)
	if ceiling > math.MaxUint32 {
		ceiling = math.MaxUint32
	}

	page, bit := pageOf(from + 1)
	ceilPage, ceilBit := pageOf(uint32(ceiling))

	if word, ok := ix.pages[page]; ok {
		masked := new(uint256.Int).And(word, bitops.MaskAtOrAbove(bit))
		if page == ceilPage {
			masked.And(masked, bitops.MaskAtOrBelow(ceilBit))
		}
		if lb, err := bitops.LowestSetBit(masked); err == nil {
			return keyOf(page, lb), true, nil
		}
	}
	if page == ceilPage {
		return 0, false, nil
	}

	var (
		result uint32
		found  bool
	)
	ix.live.AscendGreaterOrEqual(page+1, func(p uint32) bool {
		if p > ceilPage {
			return false
		}
		masked := new(uint256.Int).Set(ix.pages[p])
		if p == ceilPage {
			masked.And(masked, bitops.MaskAtOrBelow(ceilBit))
		}
		if lb, err := bitops.LowestSetBit(masked); err == nil {
			result, found = keyOf(p, lb), true
		}
		return false
	})
	return result, found, nil
}

// SetKeysInRange returns the set keys in [lo, hi) in ascending order.
// The sequence is evaluated lazily and may be ranged over more than once;
// the index must not be written while a range is in progress.
func (ix *Index) SetKeysInRange(lo, hi uint32) (iter.Seq[uint32], error) {
	if lo > hi {
		return nil, ErrInvalidRange
	}
	return func(yield func(uint32) bool) {
		if lo == hi {
			return
		}
		loPage, loBit := pageOf(lo)
		hiPage, hiBit := pageOf(hi - 1)

		ix.live.AscendGreaterOrEqual(loPage, func(p uint32) bool {
			if p > hiPage {
				return false
			}
			word := new(uint256.Int).Set(ix.pages[p])
			if p == loPage {
				word.And(word, bitops.MaskAtOrAbove(loBit))
			}
			if p == hiPage {
				word.And(word, bitops.MaskAtOrBelow(hiBit))
			}
			var rest uint256.Int
			for !word.IsZero() {
				lb, _ := bitops.LowestSetBit(word)
				if !yield(keyOf(p, lb)) {
					return false
				}
				// clear lowest set bit
				rest.SubUint64(word, 1)
				word.And(word, &rest)
			}
			return true
		})
	}, nil
}
