package vm

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxPolymorphicEntries bounds how many (type,method) pairs one call site
// tracks before degrading to megamorphic (spec §4.3.5: "≈100 IDs; one per
// (type, method) combination").
const maxPolymorphicEntries = 4

// lookup resolves a PIC hit for (typeTag, methodHash) at this slot,
// following the teacher's monomorphic→polymorphic→megamorphic state
// machine (cache.go), generalized from Shape-keyed property caches to
// Lattice's (receiver type tag, method name hash) key.
func (ic *PICSlot) lookup(typeTag ValueType, methodHash uint64) (int32, bool) {
	switch ic.State {
	case PICEmpty:
		return 0, false
	case PICMonomorphic:
		if len(ic.Entries) == 1 && ic.Entries[0].TypeTag == typeTag && ic.Entries[0].MethodHash == methodHash {
			return ic.Entries[0].HandlerID, true
		}
		return 0, false
	case PICPolymorphic:
		for i, e := range ic.Entries {
			if e.TypeTag == typeTag && e.MethodHash == methodHash {
				if i > 0 {
					ic.Entries[0], ic.Entries[i] = ic.Entries[i], ic.Entries[0]
				}
				return e.HandlerID, true
			}
		}
		return 0, false
	case PICMegamorphic:
		return 0, false
	}
	return 0, false
}

// update installs or refreshes a resolved (typeTag, methodHash) ->
// handlerID association, degrading the slot's state as new shapes are
// seen (spec §4.3.5's "must be invalidated or naturally replaced on type
// change at a call site").
func (ic *PICSlot) update(typeTag ValueType, methodHash uint64, handlerID int32) {
	switch ic.State {
	case PICEmpty:
		ic.State = PICMonomorphic
		ic.Entries = []PICEntry{{TypeTag: typeTag, MethodHash: methodHash, HandlerID: handlerID}}
	case PICMonomorphic:
		if len(ic.Entries) == 1 && ic.Entries[0].TypeTag == typeTag && ic.Entries[0].MethodHash == methodHash {
			ic.Entries[0].HandlerID = handlerID
			return
		}
		ic.State = PICPolymorphic
		ic.Entries = append(ic.Entries, PICEntry{TypeTag: typeTag, MethodHash: methodHash, HandlerID: handlerID})
	case PICPolymorphic:
		for i, e := range ic.Entries {
			if e.TypeTag == typeTag && e.MethodHash == methodHash {
				ic.Entries[i].HandlerID = handlerID
				return
			}
		}
		if len(ic.Entries) < maxPolymorphicEntries {
			ic.Entries = append(ic.Entries, PICEntry{TypeTag: typeTag, MethodHash: methodHash, HandlerID: handlerID})
		} else {
			ic.State = PICMegamorphic
			ic.Entries = nil
		}
	case PICMegamorphic:
		// stays megamorphic; handled by the megamorphic fallback table below
	}
}

// ICacheStats summarizes PIC hit/miss behavior across all call sites,
// carried from the teacher's cache.go for the observable "hit/miss"
// testable behavior implicit in spec §4.3.5 (SPEC_FULL §C).
type ICacheStats struct {
	TotalHits       uint64
	TotalMisses     uint64
	MonomorphicHits uint64
	PolymorphicHits uint64
	MegamorphicHits uint64
}

// megamorphicFallback is a bounded LRU of (typeTag,methodHash) ->
// handlerID entries shared across every call site that has degraded to
// PICMegamorphic, so megamorphic code still avoids a full builtin-table
// walk on every call (SPEC_FULL §B: hashicorp/golang-lru backs this).
type megamorphicFallback struct {
	cache *lru.Cache[uint64, int32]
}

func newMegamorphicFallback() *megamorphicFallback {
	c, _ := lru.New[uint64, int32](1024)
	return &megamorphicFallback{cache: c}
}

func megamorphicKey(typeTag ValueType, methodHash uint64) uint64 {
	return uint64(typeTag)<<56 ^ methodHash
}

func (m *megamorphicFallback) Get(typeTag ValueType, methodHash uint64) (int32, bool) {
	return m.cache.Get(megamorphicKey(typeTag, methodHash))
}

func (m *megamorphicFallback) Put(typeTag ValueType, methodHash uint64, handlerID int32) {
	m.cache.Add(megamorphicKey(typeTag, methodHash), handlerID)
}

// GetCacheStats returns a snapshot of this VM's PIC performance counters.
func (vm *VM) GetCacheStats() ICacheStats {
	return vm.cacheStats
}

// PrintCacheStats prints per-site PIC state, matching the teacher's
// PrintCacheStats debugging aid, generalized to chunk+offset identity
// since PIC slots live on the Chunk (bytecode.go) rather than on the VM.
func (vm *VM) PrintCacheStats() {
	stats := vm.cacheStats
	total := stats.TotalHits + stats.TotalMisses
	if total == 0 {
		fmt.Println("IC Stats: no cache activity")
		return
	}
	hitRate := float64(stats.TotalHits) / float64(total) * 100.0
	fmt.Printf("IC Stats: total=%d hits=%d (%.1f%%) misses=%d\n", total, stats.TotalHits, hitRate, stats.TotalMisses)
	fmt.Printf("  mono=%d poly=%d mega=%d\n", stats.MonomorphicHits, stats.PolymorphicHits, stats.MegamorphicHits)
}

// methodHash is the FNV-1a hash used to key PIC entries by method name,
// matching the intern table's own hashing discipline (heap.go).
func methodHash(name string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}
