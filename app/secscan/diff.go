package secscan

// ReportFunc receives each layer name that is definitively in New and not in
// Old. A layer is reported at most once.
type ReportFunc func(layerName string)

// diffTracker consumes the New and Old layer streams of a notification and
// reports the difference. Both streams arrive page by page, done flushes
// whatever can only be decided once the streams end.
type diffTracker interface {
	pushNew(l IndexedLayer)
	pushOld(l IndexedLayer)
	done()
}

// orderedDiffTracker diffs two index-ordered streams. An item can be emitted
// as soon as the Old stream has moved past its index, long before the streams
// are exhausted, so a huge notification never buffers more than one page worth
// of undecided items.
type orderedDiffTracker struct {
	report    ReportFunc
	pending   []IndexedLayer
	oldSeen   map[int]struct{}
	oldCursor int
	oldDone   bool
}

func newOrderedDiffTracker(report ReportFunc) *orderedDiffTracker {
	return &orderedDiffTracker{report: report, oldSeen: map[int]struct{}{}, oldCursor: -1}
}

func (t *orderedDiffTracker) pushNew(l IndexedLayer) {
	t.pending = append(t.pending, l)
	t.flush()
}

func (t *orderedDiffTracker) pushOld(l IndexedLayer) {
	t.oldSeen[l.Index] = struct{}{}
	if l.Index > t.oldCursor {
		t.oldCursor = l.Index
	}
	t.flush()
}

func (t *orderedDiffTracker) done() {
	t.oldDone = true
	t.flush()
}

func (t *orderedDiffTracker) flush() {
	keep := t.pending[:0]
	for _, p := range t.pending {
		if _, inOld := t.oldSeen[p.Index]; inOld {
			continue // present in both streams
		}
		if t.oldDone || p.Index < t.oldCursor {
			t.report(p.LayerName)
			continue
		}
		keep = append(keep, p)
	}
	t.pending = keep
}

// unorderedDiffTracker diffs streams with no usable index. Nothing is
// definitive until the Old stream ends, so New items buffer until done.
type unorderedDiffTracker struct {
	report  ReportFunc
	pending []string
	oldSet  map[string]struct{}
}

func newUnorderedDiffTracker(report ReportFunc) *unorderedDiffTracker {
	return &unorderedDiffTracker{report: report, oldSet: map[string]struct{}{}}
}

func (t *unorderedDiffTracker) pushNew(l IndexedLayer) {
	t.pending = append(t.pending, l.LayerName)
}

func (t *unorderedDiffTracker) pushOld(l IndexedLayer) {
	t.oldSet[l.LayerName] = struct{}{}
}

func (t *unorderedDiffTracker) done() {
	for _, name := range t.pending {
		if _, inOld := t.oldSet[name]; !inOld {
			t.report(name)
		}
	}
	t.pending = nil
}
