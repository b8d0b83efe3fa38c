package midx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/paq/gitpack/plumbing"
	"github.com/paq/gitpack/plumbing/format/idxfile"
	"github.com/paq/gitpack/plumbing/format/packfile"
	"github.com/paq/gitpack/plumbing/progress"
)

// PackStatistics pairs one referenced pack's traversal statistics with
// the index filename it was verified under.
type PackStatistics struct {
	IndexName string
	Stats     packfile.TraversalStatistics
}

// Outcome is returned by VerifyIntegrityFast and VerifyIntegrity.
// PerPackStatistics is empty after the fast path, which never opens a
// pack; after the deep path it is ordered by pack id, i.e. the same
// order as File.IndexNames(), not the order entries were visited in
// the (pack-id-sorted) Entry Plan.
type Outcome struct {
	ChecksumComputed  plumbing.Hash
	PerPackStatistics []PackStatistics
}

// Options configures Verifier.VerifyIntegrity.
type Options struct {
	// VerifyMode selects how deeply each pack object is inspected.
	VerifyMode packfile.VerifyMode
	// Traversal selects the per-pack traversal algorithm.
	Traversal packfile.TraversalAlgorithm
	// ThreadLimit bounds per-bundle worker concurrency; 0 uses all cores.
	ThreadLimit int
	// MakePackLookupCache, if set, is called once per bundle worker to
	// build a cache of already-visited pack offsets.
	MakePackLookupCache packfile.PackLookupCacheFactory
}

// DefaultOptions returns the cheapest verification depth: CRC32-only,
// lookup traversal, no concurrency cap, no lookup cache.
func DefaultOptions() Options {
	return Options{
		VerifyMode: packfile.HashCrc32,
		Traversal:  packfile.TraversalLookup,
	}
}

// Verifier orchestrates verification of a parsed multi-pack-index
// against the pack set it describes. The zero value is usable: it
// resolves sibling index/pack files directly off the filesystem.
type Verifier struct {
	Bundles packfile.BundleOpener
	Indices packfile.IndexOpener
}

// NewVerifier returns a Verifier resolving sibling files directly off
// the local filesystem.
func NewVerifier() *Verifier {
	return &Verifier{Bundles: packfile.FileOpener{}, Indices: packfile.FileOpener{}}
}

func (v *Verifier) bundles() packfile.BundleOpener {
	if v.Bundles != nil {
		return v.Bundles
	}
	return packfile.FileOpener{}
}

func (v *Verifier) indices() packfile.IndexOpener {
	if v.Indices != nil {
		return v.Indices
	}
	return packfile.FileOpener{}
}

// VerifyChecksum recomputes the hash over f.Bytes(), excluding the
// trailing hash-sized suffix, and compares it to f.Checksum().
func (v *Verifier) VerifyChecksum(ctx context.Context, f *File, sink progress.Sink) (plumbing.Hash, error) {
	named := progress.ForStream(sink, fmt.Sprintf("%s: checksum", f.Path()))

	hashSize := f.Format().Size()
	data := f.Bytes()
	if len(data) < hashSize {
		return plumbing.Hash{}, &ChecksumError{}
	}
	body := data[:len(data)-hashSize]

	h := f.Format().NewHasher()
	const chunkSize = 64 * 1024
	for off := 0; off < len(body); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return plumbing.Hash{}, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		h.Write(body[off:end])
		named.Countf("%d/%d bytes", end, len(body))
	}

	computed := plumbing.NewHash(f.Format(), h.Sum(nil))
	stored := f.Checksum()
	if computed.Compare(stored.Bytes()) != 0 {
		return plumbing.Hash{}, &ChecksumError{Computed: computed, Stored: stored}
	}
	return computed, nil
}

// entryPlanItem is one (pack_id, entry_index) pair from §4.1.3: the
// MIDX-order traversal collects these and then stably sorts them by
// pack id so every pack is opened at most once.
type entryPlanItem struct {
	packID     uint32
	entryIndex int
}

// checkFan validates that fan is monotonically non-decreasing.
func checkFan(fan [256]uint32) error {
	for i := 0; i < 255; i++ {
		if fan[i] > fan[i+1] {
			return &FanError{Index: i}
		}
	}
	return nil
}

// buildEntryPlan validates strict oid ordering across f's entries
// while collecting the (pack_id, entry_index) pairs every subsequent
// phase walks, then stably sorts them by pack id.
func buildEntryPlan(f *File) ([]entryPlanItem, error) {
	n := int(f.ObjectCount())
	plan := make([]entryPlanItem, n)
	for i := 0; i < n-1; i++ {
		lhs := f.OidAt(i)
		rhs := f.OidAt(i + 1)
		if rhs.Compare(lhs.Bytes()) <= 0 {
			return nil, &OutOfOrderError{Index: i}
		}
		packID, _ := f.PackIDAndOffsetAt(i)
		plan[i] = entryPlanItem{packID: packID, entryIndex: i}
	}
	if n > 0 {
		packID, _ := f.PackIDAndOffsetAt(n - 1)
		plan[n-1] = entryPlanItem{packID: packID, entryIndex: n - 1}
	}
	sort.SliceStable(plan, func(a, b int) bool { return plan[a].packID < plan[b].packID })
	return plan, nil
}

// verifyStructure runs the checksum, fan, emptiness and oid-order
// phases shared by both the fast and deep paths, returning the
// checksum and the sorted Entry Plan.
func (v *Verifier) verifyStructure(ctx context.Context, f *File, sink progress.Sink) (plumbing.Hash, []entryPlanItem, error) {
	checksum, err := v.VerifyChecksum(ctx, f, sink)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			return plumbing.Hash{}, nil, err
		}
		return plumbing.Hash{}, nil, &MultiIndexChecksumError{Err: err}
	}

	if err := checkFan(f.Fan()); err != nil {
		return plumbing.Hash{}, nil, err
	}

	if f.ObjectCount() == 0 {
		return plumbing.Hash{}, nil, ErrEmpty
	}

	orderSink := progress.ForStream(sink, "checking oid order")
	plan, err := buildEntryPlan(f)
	if err != nil {
		return plumbing.Hash{}, nil, err
	}
	if last := plan[len(plan)-1]; last.packID >= f.IndexCount() {
		return plumbing.Hash{}, nil, fmt.Errorf("%w: entry %d names pack id %d, but only %d indices are listed",
			ErrInvalidMultiPackIndex, last.entryIndex, last.packID, f.IndexCount())
	}
	orderSink.Countf("%d objects", f.ObjectCount())

	return checksum, plan, nil
}

// planPrefix returns the leading run of plan whose pack id equals
// packID, and the remainder. plan must already be sorted by pack id
// (buildEntryPlan guarantees this), which is what makes this a single
// forward scan rather than a search over the whole plan per pack.
func planPrefix(plan []entryPlanItem, packID uint32) (prefix, rest []entryPlanItem) {
	i := 0
	for i < len(plan) && plan[i].packID == packID {
		i++
	}
	return plan[:i], plan[i:]
}

// VerifyIntegrityFast performs a structural check only: checksum, fan
// table, oid ordering, and pack-offset consistency against each
// referenced per-pack index. It never opens a pack file.
func (v *Verifier) VerifyIntegrityFast(ctx context.Context, f *File, sink progress.Sink) (Outcome, error) {
	checksum, plan, err := v.verifyStructure(ctx, f, sink)
	if err != nil {
		return Outcome{}, err
	}

	dir := filepath.Dir(f.Path())
	names := f.IndexNames()
	remaining := plan
	examined := 0

	offsetsSink := progress.ForStream(sink, "verify object offsets")

	for packID, name := range names {
		var prefix []entryPlanItem
		prefix, remaining = planPrefix(remaining, uint32(packID))

		idx, err := v.indices().OpenIndex(ctx, dir, name, f.Format())
		if err != nil {
			return Outcome{}, &BundleInitError{IndexName: name, Err: err}
		}

		if err := verifyEntriesAgainstIndex(ctx, f, idx, prefix, offsetsSink); err != nil {
			idx.Close()
			return Outcome{}, err
		}
		if err := idx.Close(); err != nil {
			return Outcome{}, &BundleInitError{IndexName: name, Err: err}
		}

		examined += len(prefix)
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}

	assertComplete(examined, int(f.ObjectCount()))

	return Outcome{ChecksumComputed: checksum}, nil
}

// VerifyIntegrity performs the same structural checks as
// VerifyIntegrityFast and additionally opens each referenced bundle
// (index + pack), invoking its own VerifyIntegrity and accumulating
// per-pack statistics in index-name order.
func (v *Verifier) VerifyIntegrity(ctx context.Context, f *File, sink progress.Sink, opts Options) (Outcome, error) {
	checksum, plan, err := v.verifyStructure(ctx, f, sink)
	if err != nil {
		return Outcome{}, err
	}

	dir := filepath.Dir(f.Path())
	names := f.IndexNames()
	remaining := plan
	examined := 0

	offsetsSink := progress.ForStream(sink, "verify object offsets")
	stats := make([]PackStatistics, 0, len(names))

	for packID, name := range names {
		var prefix []entryPlanItem
		prefix, remaining = planPrefix(remaining, uint32(packID))

		bundle, err := v.bundles().OpenBundle(ctx, dir, name, f.Format())
		if err != nil {
			return Outcome{}, &BundleInitError{IndexName: name, Err: err}
		}

		if err := verifyEntriesAgainstIndex(ctx, f, bundle.Index(), prefix, offsetsSink); err != nil {
			bundle.Close()
			return Outcome{}, err
		}

		packSink := progress.ForStream(sink, name)
		packSink.Countf("verifying")
		result, err := bundle.VerifyIntegrity(ctx, packfile.VerifyOptions{
			Mode:        opts.VerifyMode,
			Traversal:   opts.Traversal,
			MakeCache:   opts.MakePackLookupCache,
			ThreadLimit: opts.ThreadLimit,
		})
		closeErr := bundle.Close()
		if err != nil {
			return Outcome{}, &IndexIntegrityError{IndexName: name, Err: err}
		}
		if closeErr != nil {
			return Outcome{}, &BundleInitError{IndexName: name, Err: closeErr}
		}
		stats = append(stats, PackStatistics{IndexName: name, Stats: result})

		examined += len(prefix)
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}

	assertComplete(examined, int(f.ObjectCount()))

	return Outcome{ChecksumComputed: checksum, PerPackStatistics: stats}, nil
}

// verifyEntriesAgainstIndex checks that every MIDX entry in prefix (all
// sharing one pack id) is present in idx at the offset the MIDX
// claims, checking ctx for interruption after each entry.
func verifyEntriesAgainstIndex(ctx context.Context, f *File, idx idxfile.Index, prefix []entryPlanItem, sink progress.Named) error {
	for _, item := range prefix {
		oid := f.OidAt(item.entryIndex)
		_, expectedOffset := f.PackIDAndOffsetAt(item.entryIndex)

		actualOffset, err := idx.FindOffset(oid)
		if err != nil {
			if errors.Is(err, plumbing.ErrObjectNotFound) {
				return &OidNotFoundError{ID: oid}
			}
			return fmt.Errorf("multi-pack-index: looking up %s: %w", oid, err)
		}
		if uint64(actualOffset) != expectedOffset {
			return &PackOffsetMismatchError{ID: oid, Expected: expectedOffset, Actual: uint64(actualOffset)}
		}
		sink.Countf("%s", oid)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
	return nil
}

// assertComplete enforces the completeness invariant: the Entry Plan's
// sort and prefix-scan must visit every entry exactly once. A
// violation here is a bug in this package, not a reportable
// verification failure (spec §4.1.3 step 7, §9 open question), so it
// panics rather than returning UnexpectedObjectCountError.
func assertComplete(examined, expected int) {
	if examined != expected {
		panic(fmt.Sprintf("midx: internal invariant violated: examined %d entries, expected %d", examined, expected))
	}
}
