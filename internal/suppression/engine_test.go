package suppression

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ignite/mailgate/internal/domain"
)

func testEmail(i int) string {
	return fmt.Sprintf("user%d@example.com", i)
}

func testHex(i int) string {
	return HashEmail(testEmail(i)).Hex()
}

func TestHashFromHex_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"lowercase", "5d41402abc4b2a76b9719d911017c592"},
		{"uppercase", "5D41402ABC4B2A76B9719D911017C592"},
		{"with spaces", "  5d41402abc4b2a76b9719d911017c592  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HashFromHex(tt.input)
			if err != nil {
				t.Fatalf("HashFromHex() error = %v", err)
			}
			if h.Hex() != strings.ToLower(strings.TrimSpace(tt.input)) {
				t.Errorf("HashFromHex() roundtrip failed")
			}
		})
	}
}

func TestHashFromHex_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "5d41402abc4b2a76"},
		{"too long", "5d41402abc4b2a76b9719d911017c5921234"},
		{"invalid chars", "5d41402abc4b2a76b9719d911017c59g"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := HashFromHex(tt.input); err == nil {
				t.Errorf("HashFromHex() expected error for %q", tt.input)
			}
		})
	}
}

func TestHashEmail_Normalizes(t *testing.T) {
	a := HashEmail("User@Example.COM")
	b := HashEmail("  user@example.com ")
	if a != b {
		t.Error("case and whitespace variants should hash identically")
	}
}

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 0.001)
	for i := 0; i < 1000; i++ {
		bf.add(HashEmail(testEmail(i)))
	}
	for i := 0; i < 1000; i++ {
		if !bf.mayContain(HashEmail(testEmail(i))) {
			t.Fatalf("false negative for %s", testEmail(i))
		}
	}
}

func TestBloomFilter_FalsePositiveRateBounded(t *testing.T) {
	bf := newBloomFilter(10000, 0.001)
	for i := 0; i < 10000; i++ {
		bf.add(HashEmail(testEmail(i)))
	}
	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if bf.mayContain(HashEmail(fmt.Sprintf("absent%d@other.org", i))) {
			falsePositives++
		}
	}
	// 0.1% target; allow an order of magnitude of slack.
	if falsePositives > probes/100 {
		t.Errorf("false positives = %d out of %d probes", falsePositives, probes)
	}
}

func TestEngine_CompanyAndGlobalOverlay(t *testing.T) {
	e := NewEngine()
	e.ReplaceAll(map[string][]string{
		"comp-1":                   {testHex(1), testHex(2)},
		domain.GlobalListCompanyID: {HashEmail("trap@spamhaus.example").Hex()},
	})

	if !e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("company list entry should match")
	}
	if e.IsSuppressed("comp-2", testEmail(1)) {
		t.Error("another tenant must not see comp-1's list")
	}
	if !e.IsSuppressed("comp-2", "trap@spamhaus.example") {
		t.Error("global overlay should apply to every tenant")
	}
	if e.IsSuppressed("comp-1", testEmail(99)) {
		t.Error("unknown address should not match")
	}
}

func TestEngine_WriteThroughDeltas(t *testing.T) {
	e := NewEngine()
	e.ReplaceAll(map[string][]string{"comp-1": {testHex(1)}})

	e.Add("comp-1", testEmail(5))
	if !e.IsSuppressed("comp-1", testEmail(5)) {
		t.Error("Add should take effect before the next refresh")
	}

	e.Remove("comp-1", testEmail(1))
	if e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("Remove should override the snapshot")
	}

	// Re-adding a removed address flips it back.
	e.Add("comp-1", testEmail(1))
	if !e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("Add after Remove should suppress again")
	}
}

func TestEngine_RefreshClearsDeltas(t *testing.T) {
	e := NewEngine()
	e.Add("comp-1", testEmail(7))

	e.ReplaceAll(map[string][]string{"comp-1": {testHex(1)}})
	if e.IsSuppressed("comp-1", testEmail(7)) {
		t.Error("deltas should be dropped once a fresh snapshot lands")
	}
	if !e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("snapshot entry should match after refresh")
	}
}

func TestEngine_ReplaceAllSkipsInvalidHex(t *testing.T) {
	e := NewEngine()
	e.ReplaceAll(map[string][]string{"comp-1": {"not-a-hash", testHex(3)}})

	if !e.IsSuppressed("comp-1", testEmail(3)) {
		t.Error("valid entry should survive alongside an invalid one")
	}
	if got := e.Stats().Records; got != 1 {
		t.Errorf("Records = %d, want 1", got)
	}
}

type staticSource struct {
	hashes map[string][]string
	err    error
}

func (s *staticSource) ActiveHashes(context.Context) (map[string][]string, error) {
	return s.hashes, s.err
}

func TestEngine_RefreshFromSource(t *testing.T) {
	e := NewEngine()
	src := &staticSource{hashes: map[string][]string{"comp-1": {testHex(1)}}}

	if err := e.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if !e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("refreshed entry should match")
	}

	src.err = fmt.Errorf("db down")
	if err := e.Refresh(context.Background(), src); err == nil {
		t.Error("Refresh() should surface source errors")
	}
	if !e.IsSuppressed("comp-1", testEmail(1)) {
		t.Error("failed refresh must keep the previous snapshot")
	}
}

func TestEngine_ConcurrentCheckAndMutate(t *testing.T) {
	e := NewEngine()
	e.ReplaceAll(map[string][]string{"comp-1": {testHex(1)}})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				switch i % 3 {
				case 0:
					e.IsSuppressed("comp-1", testEmail(i))
				case 1:
					e.Add("comp-1", testEmail(1000+g*500+i))
				default:
					e.Remove("comp-1", testEmail(1000+g*500+i-1))
				}
			}
		}(g)
	}
	wg.Wait()

	if s := e.Stats(); s.Checks == 0 {
		t.Error("Stats should count checks")
	}
}

func TestEngine_StatsMemoryAccounting(t *testing.T) {
	e := NewEngine()
	hexes := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		hexes = append(hexes, testHex(i))
	}
	e.ReplaceAll(map[string][]string{"comp-1": hexes})

	s := e.Stats()
	if s.Lists != 1 || s.Records != 100 {
		t.Errorf("Stats = %+v", s)
	}
	if s.MemoryBytes < 100*16 {
		t.Errorf("MemoryBytes = %d, want at least the raw hash array", s.MemoryBytes)
	}
}

func TestDedupeAndSort(t *testing.T) {
	in := []MD5Hash{HashEmail("b@x.co"), HashEmail("a@x.co"), HashEmail("b@x.co")}
	out := dedupeAndSort(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Compare(out[1]) >= 0 {
		t.Error("output should be strictly ascending")
	}
}
