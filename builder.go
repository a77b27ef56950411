package gzipi

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/golang/snappy"
)

// BuilderOptions define index builder specific options.
type BuilderOptions struct {
	// Codec of the final index stream.
	// Default: GZIP.
	Codec Codec

	// MaxMemEntries is the number of entries sorted in memory before a
	// run is spilled to disk. Default: 1 << 20.
	MaxMemEntries int

	// TempDir holds spill runs. Default: the system temp dir.
	TempDir string

	// FirstWins collapses a key that maps to more than one member to
	// the entry with the lowest offset. The default is to fail such
	// runs with ErrIntegrity. Enable for archives indexed in place,
	// where the same key may legitimately occur in several members.
	FirstWins bool
}

func (o *BuilderOptions) norm() *BuilderOptions {
	var oo BuilderOptions
	if o != nil {
		oo = *o
	}
	if !oo.Codec.isValid() {
		oo.Codec = GZIP
	}
	if oo.MaxMemEntries < 1 {
		oo.MaxMemEntries = 1 << 20
	}
	return &oo
}

// BuildIndex sorts and deduplicates raw index entries and writes the
// final compressed index stream. Entries that fit in memory are sorted
// directly; larger inputs are spilled as sorted runs and merged. The
// output is a well-formed compressed stream even when there are no
// entries at all.
func BuildIndex(ctx context.Context, rawIndex io.Reader, out io.Writer, o *BuilderOptions) error {
	o = o.norm()

	mw, err := newMemberWriter(out, o.Codec)
	if err != nil {
		return err
	}
	if err := mw.Open(); err != nil {
		return err
	}

	if err := buildInto(ctx, rawIndex, mw, o); err != nil {
		return err
	}
	_, err = mw.Finish()
	return err
}

func buildInto(ctx context.Context, rawIndex io.Reader, w io.Writer, o *BuilderOptions) error {
	var spills []*os.File
	defer func() {
		for _, f := range spills {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	entries := make([]Entry, 0, min(o.MaxMemEntries, 1<<16))
	er := newEntryReader(rawIndex)
	for {
		ent, err := er.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		entries = append(entries, ent)

		if len(entries) >= o.MaxMemEntries {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := spillRun(entries, o.TempDir)
			if err != nil {
				return err
			}
			spills = append(spills, f)
			entries = entries[:0]
		}
	}

	sortEntries(entries)

	if len(spills) == 0 {
		dw := dedupWriter{w: entryWriter{w: w}, firstWins: o.FirstWins}
		for _, ent := range entries {
			if err := dw.Write(ent); err != nil {
				return err
			}
		}
		return nil
	}
	return mergeRuns(ctx, spills, entries, w, o)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].compare(entries[j]) < 0
	})
}

// spillRun writes a sorted run of entries to a compressed temp file.
func spillRun(entries []Entry, dir string) (*os.File, error) {
	sortEntries(entries)

	f, err := os.CreateTemp(dir, "gzipi-run-")
	if err != nil {
		return nil, err
	}
	sw := snappy.NewBufferedWriter(f)
	ew := entryWriter{w: sw}
	for _, ent := range entries {
		if err := ew.Write(ent); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
	}
	if err := sw.Close(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

// mergeRuns k-way merges the spilled runs plus the in-memory tail.
func mergeRuns(ctx context.Context, spills []*os.File, tail []Entry, w io.Writer, o *BuilderOptions) error {
	var mh mergeHeap
	for _, f := range spills {
		cur := &runCursor{er: newEntryReader(snappy.NewReader(f))}
		if ok, err := cur.advance(); err != nil {
			return err
		} else if ok {
			mh = append(mh, cur)
		}
	}
	if len(tail) > 0 {
		cur := &runCursor{mem: tail}
		cur.ent, cur.mem = tail[0], tail[1:]
		mh = append(mh, cur)
	}
	heap.Init(&mh)

	dw := dedupWriter{w: entryWriter{w: w}, firstWins: o.FirstWins}
	for n := 0; mh.Len() > 0; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		cur := mh[0]
		if err := dw.Write(cur.ent); err != nil {
			return err
		}
		if ok, err := cur.advance(); err != nil {
			return err
		} else if ok {
			heap.Fix(&mh, 0)
		} else {
			heap.Pop(&mh)
		}
	}
	return nil
}

// --------------------------------------------------------------------

// dedupWriter drops repeated rows and enforces the one-member-per-key
// invariant while writing sorted entries.
type dedupWriter struct {
	w         entryWriter
	firstWins bool

	prev    Entry
	started bool
}

func (dw *dedupWriter) Write(ent Entry) error {
	if dw.started && string(ent.Key) == string(dw.prev.Key) {
		if ent.Offset == dw.prev.Offset && ent.Length == dw.prev.Length {
			return nil
		}
		if dw.firstWins {
			return nil // entries arrive in (key, offset) order
		}
		return fmt.Errorf("%w: %q", ErrIntegrity, ent.Key)
	}
	dw.prev = ent
	dw.started = true
	return dw.w.Write(ent)
}

// --------------------------------------------------------------------

type runCursor struct {
	er  *entryReader // spilled run, nil for the in-memory tail
	mem []Entry
	ent Entry
}

func (c *runCursor) advance() (bool, error) {
	if c.er == nil {
		if len(c.mem) == 0 {
			return false, nil
		}
		c.ent, c.mem = c.mem[0], c.mem[1:]
		return true, nil
	}
	ent, err := c.er.Next()
	if err == io.EOF {
		return false, nil
	} else if err != nil {
		return false, err
	}
	c.ent = ent
	return true, nil
}

type mergeHeap []*runCursor

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].ent.compare(h[j].ent) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*runCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
