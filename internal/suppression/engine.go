// Package suppression provides the in-memory suppression matcher used on the
// hot path: a bloom filter in front of a sorted binary MD5 array, one list
// per tenant plus the global overlay.
//
// Layer 1 (bloom filter) answers almost every negative lookup in O(1) with
// no false negatives. Layer 2 (sorted [16]byte MD5 array) verifies bloom
// positives by binary search, so a false positive can never block a
// legitimate address. Raw 16-byte hashes instead of hex strings keep a
// million entries around 28 MB including the filter.
//
// Lists are immutable snapshots rebuilt on Refresh; Add and Remove record
// deltas consulted before the snapshot so write-through mutations take
// effect between refreshes.
package suppression

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

// ErrInvalidMD5 is returned when an MD5 hash is malformed.
var ErrInvalidMD5 = errors.New("invalid MD5 hash format")

// MD5Hash is a 16-byte MD5 in binary form. Fixed-size arrays avoid string
// header overhead and allocation on comparison.
type MD5Hash [16]byte

// HashFromHex converts a hex-encoded MD5 string to binary form.
func HashFromHex(hexStr string) (MD5Hash, error) {
	var h MD5Hash
	hexStr = strings.ToLower(strings.TrimSpace(hexStr))
	if len(hexStr) != 32 {
		return h, fmt.Errorf("%w: expected 32 characters, got %d", ErrInvalidMD5, len(hexStr))
	}
	if _, err := hex.Decode(h[:], []byte(hexStr)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidMD5, err)
	}
	return h, nil
}

// HashEmail computes the MD5 of a normalized (lowercased, trimmed) address.
func HashEmail(email string) MD5Hash {
	return md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
}

// Hex returns the hex-encoded form of the hash.
func (h MD5Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Compare returns -1, 0, or 1; enables binary search without allocations.
func (h MD5Hash) Compare(other MD5Hash) int { return bytes.Compare(h[:], other[:]) }

// bloomFilter is sized for a target false-positive rate. False negatives
// cannot happen, so a miss here is authoritative.
type bloomFilter struct {
	bits      []uint64
	size      uint64
	hashCount uint
	count     uint64
}

const defaultFalsePositiveRate = 0.001

func newBloomFilter(expected uint64, fpRate float64) *bloomFilter {
	if expected == 0 {
		expected = 1000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = defaultFalsePositiveRate
	}

	// m = -n ln(p) / ln(2)^2, k = (m/n) ln(2)
	n := float64(expected)
	m := uint64(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64

	k := uint((float64(m) / n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return &bloomFilter{
		bits:      make([]uint64, m/64),
		size:      m,
		hashCount: k,
	}
}

func (bf *bloomFilter) add(h MD5Hash) {
	for i := uint(0); i < bf.hashCount; i++ {
		pos := bf.hash(h, i) % bf.size
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

func (bf *bloomFilter) mayContain(h MD5Hash) bool {
	for i := uint(0); i < bf.hashCount; i++ {
		pos := bf.hash(h, i) % bf.size
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hash derives the i-th probe position by double hashing the two 8-byte
// halves of the MD5: h_i = h1 + i*h2.
func (bf *bloomFilter) hash(h MD5Hash, i uint) uint64 {
	h1 := binary.LittleEndian.Uint64(h[:8])
	h2 := binary.LittleEndian.Uint64(h[8:])
	return h1 + uint64(i)*h2
}

func (bf *bloomFilter) memoryBytes() uint64 { return uint64(len(bf.bits)) * 8 }

// list is one immutable per-tenant snapshot.
type list struct {
	filter   *bloomFilter
	hashes   []MD5Hash // sorted, deduplicated
	loadedAt time.Time
}

func newList(hashes []MD5Hash) *list {
	unique := dedupeAndSort(hashes)
	filter := newBloomFilter(uint64(len(unique)), defaultFalsePositiveRate)
	for _, h := range unique {
		filter.add(h)
	}
	return &list{filter: filter, hashes: unique, loadedAt: time.Now()}
}

// Engine is the matcher shared by the admission layer and the worker. Safe
// for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	lists   map[string]*list
	added   map[string]map[MD5Hash]struct{}
	removed map[string]map[MD5Hash]struct{}

	checks     uint64
	suppressed uint64
	bloomHits  uint64
}

func NewEngine() *Engine {
	return &Engine{
		lists:   make(map[string]*list),
		added:   make(map[string]map[MD5Hash]struct{}),
		removed: make(map[string]map[MD5Hash]struct{}),
	}
}

// IsSuppressed reports whether the address is on the company's list or the
// global overlay.
func (e *Engine) IsSuppressed(companyID, email string) bool {
	atomic.AddUint64(&e.checks, 1)
	h := HashEmail(email)

	e.mu.RLock()
	hit := e.contains(companyID, h) || e.contains(domain.GlobalListCompanyID, h)
	e.mu.RUnlock()

	if hit {
		atomic.AddUint64(&e.suppressed, 1)
	}
	return hit
}

// contains must be called with at least the read lock held.
func (e *Engine) contains(listID string, h MD5Hash) bool {
	if _, ok := e.removed[listID][h]; ok {
		return false
	}
	if _, ok := e.added[listID][h]; ok {
		return true
	}
	l, ok := e.lists[listID]
	if !ok {
		return false
	}
	if !l.filter.mayContain(h) {
		return false
	}
	atomic.AddUint64(&e.bloomHits, 1)
	return binarySearch(l.hashes, h)
}

// Add records a suppression immediately, ahead of the next snapshot refresh.
func (e *Engine) Add(companyID, email string) {
	h := HashEmail(email)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.removed[companyID], h)
	if e.added[companyID] == nil {
		e.added[companyID] = make(map[MD5Hash]struct{})
	}
	e.added[companyID][h] = struct{}{}
}

// Remove lifts a suppression immediately, ahead of the next refresh.
func (e *Engine) Remove(companyID, email string) {
	h := HashEmail(email)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.added[companyID], h)
	if e.removed[companyID] == nil {
		e.removed[companyID] = make(map[MD5Hash]struct{})
	}
	e.removed[companyID][h] = struct{}{}
}

// ReplaceAll swaps in fresh snapshots for every list and clears the deltas.
// Invalid hex entries are skipped.
func (e *Engine) ReplaceAll(hexByCompany map[string][]string) {
	lists := make(map[string]*list, len(hexByCompany))
	for companyID, hexes := range hexByCompany {
		hashes := make([]MD5Hash, 0, len(hexes))
		for _, s := range hexes {
			if h, err := HashFromHex(s); err == nil {
				hashes = append(hashes, h)
			}
		}
		lists[companyID] = newList(hashes)
	}

	e.mu.Lock()
	e.lists = lists
	e.added = make(map[string]map[MD5Hash]struct{})
	e.removed = make(map[string]map[MD5Hash]struct{})
	e.mu.Unlock()
}

// Source supplies the active hashes for every list, global overlay included.
type Source interface {
	ActiveHashes(ctx context.Context) (map[string][]string, error)
}

// Refresh rebuilds every snapshot from the source.
func (e *Engine) Refresh(ctx context.Context, src Source) error {
	hashes, err := src.ActiveHashes(ctx)
	if err != nil {
		return fmt.Errorf("refresh suppression engine: %w", err)
	}
	e.ReplaceAll(hashes)
	return nil
}

// Run refreshes immediately and then on the given interval until the context
// is canceled. Refresh failures keep the previous snapshots.
func (e *Engine) Run(ctx context.Context, src Source, interval time.Duration) {
	if err := e.Refresh(ctx, src); err != nil {
		logger.Warn("initial suppression refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx, src); err != nil {
				logger.Warn("suppression refresh failed", "error", err)
				continue
			}
			s := e.Stats()
			logger.Debug("suppression engine refreshed",
				"lists", s.Lists, "records", s.Records, "memory_bytes", s.MemoryBytes)
		}
	}
}

// Stats summarizes the loaded lists and check counters.
type Stats struct {
	Lists       int    `json:"lists"`
	Records     uint64 `json:"records"`
	MemoryBytes uint64 `json:"memoryBytes"`
	Checks      uint64 `json:"checks"`
	Suppressed  uint64 `json:"suppressed"`
	BloomHits   uint64 `json:"bloomHits"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{
		Lists:      len(e.lists),
		Checks:     atomic.LoadUint64(&e.checks),
		Suppressed: atomic.LoadUint64(&e.suppressed),
		BloomHits:  atomic.LoadUint64(&e.bloomHits),
	}
	for _, l := range e.lists {
		s.Records += uint64(len(l.hashes))
		s.MemoryBytes += l.filter.memoryBytes() + uint64(len(l.hashes))*16
	}
	return s
}

func binarySearch(hashes []MD5Hash, target MD5Hash) bool {
	left, right := 0, len(hashes)-1
	for left <= right {
		mid := left + (right-left)/2
		switch cmp := target.Compare(hashes[mid]); {
		case cmp == 0:
			return true
		case cmp < 0:
			right = mid - 1
		default:
			left = mid + 1
		}
	}
	return false
}

func dedupeAndSort(hashes []MD5Hash) []MD5Hash {
	if len(hashes) == 0 {
		return hashes
	}
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Compare(hashes[j]) < 0
	})
	unique := hashes[:1]
	for i := 1; i < len(hashes); i++ {
		if hashes[i].Compare(unique[len(unique)-1]) != 0 {
			unique = append(unique, hashes[i])
		}
	}
	return unique
}
