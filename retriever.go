package gzipi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	pgzip "github.com/klauspost/pgzip"
)

// RetrieverOptions define retriever specific options.
type RetrieverOptions struct {
	// Codec is the archive compression codec.
	// Default: GZIP.
	Codec Codec

	// IndexCodec is the index compression codec. A gzip or zstandard
	// index is recognised by its magic bytes, which take precedence;
	// IndexCodec applies to an index that is not recognised.
	// Default: GZIP; an invalid value falls back to Codec.
	IndexCodec Codec

	// Format is used to re-extract keys when filtering the records of a
	// member. It must match the format the archive was repacked with.
	Format *Format

	// BufferSize is the small-scope threshold of the binary search: once
	// the search window shrinks below it, the window is scanned linearly
	// from a single read. Default: 64 KiB.
	BufferSize int

	// MaxMemIndex is the largest decompressed index kept in memory;
	// larger indexes are spilled to a scratch file which is removed on
	// Close. Default: 1 MiB.
	MaxMemIndex int

	// TempDir holds the index scratch file. Default: the system temp dir.
	TempDir string

	// BatchSize is the number of keys looked up per bulk retrieval
	// round. Default: 5000.
	BatchSize int
}

func (o *RetrieverOptions) norm() *RetrieverOptions {
	var oo RetrieverOptions
	if o != nil {
		oo = *o
	}
	if !oo.Codec.isValid() {
		oo.Codec = GZIP
	}
	if !oo.IndexCodec.isValid() {
		oo.IndexCodec = oo.Codec
	}
	oo.Format = oo.Format.norm()
	if oo.BufferSize < 1 {
		oo.BufferSize = 64 << 10
	}
	if oo.MaxMemIndex < 1 {
		oo.MaxMemIndex = 1 << 20
	}
	if oo.BatchSize < 1 {
		oo.BatchSize = 5000
	}
	return &oo
}

// RetrieveStats summarise a bulk retrieval.
type RetrieveStats struct {
	Requested   int64 // keys read from the query stream
	Matched     int64 // records written
	Missing     int64 // keys absent from the index
	CodecErrors int64 // members skipped because they failed to decompress
}

// Retriever provides random access to the records of a repacked archive
// through its index. The compressed index is inflated once, into memory
// or a scratch file, and binary-searched by byte offset.
type Retriever struct {
	archive io.ReaderAt
	o       *RetrieverOptions

	index   io.ReaderAt
	size    int64
	scratch *os.File
}

// NewRetriever inflates the index stream and returns a Retriever for
// the archive. Close releases the index scratch space.
func NewRetriever(archive io.ReaderAt, index io.Reader, o *RetrieverOptions) (*Retriever, error) {
	o = o.norm()

	r := &Retriever{archive: archive, o: o}
	if err := r.inflateIndex(index); err != nil {
		return nil, err
	}
	return r, nil
}

// Close removes the index scratch file, if one was needed.
func (r *Retriever) Close() error {
	if r.scratch == nil {
		return nil
	}
	name := r.scratch.Name()
	err := r.scratch.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	r.scratch = nil
	return err
}

func (r *Retriever) inflateIndex(index io.Reader) error {
	br := bufio.NewReaderSize(index, 1<<16)
	if _, err := br.Peek(1); err == io.EOF {
		return nil // zero-byte index, nothing can be found
	}

	codec := r.o.IndexCodec
	if c, ok := SniffCodec(br); ok {
		codec = c
	}

	var dec io.ReadCloser
	var err error
	if codec == GZIP {
		dec, err = pgzip.NewReader(br) // parallel inflate, indexes can be large
	} else {
		dec, err = newDecoder(br, codec)
	}
	if err != nil {
		return fmt.Errorf("gzipi: cannot read index: %w", err)
	}
	defer dec.Close()

	// keep small indexes in memory, spill the rest
	limit := int64(r.o.MaxMemIndex)
	buf := new(bytes.Buffer)
	n, err := io.CopyN(buf, dec, limit+1)
	if err == io.EOF {
		r.index = bytes.NewReader(buf.Bytes())
		r.size = n
		return nil
	} else if err != nil {
		return fmt.Errorf("gzipi: cannot read index: %w", err)
	}

	f, err := os.CreateTemp(r.o.TempDir, "gzipi-index-")
	if err != nil {
		return err
	}
	m, err := io.Copy(f, io.MultiReader(buf, dec))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("gzipi: cannot read index: %w", err)
	}
	r.index = f
	r.size = m
	r.scratch = f
	return nil
}

// --------------------------------------------------------------------

// Lookup finds the index entry for a key, or ErrNotFound.
//
// The index holds variable-length lines, so the search probes byte
// offsets: seek to the middle of the window, skip the partial line, and
// take the next complete line as the probe entry. Two rules keep the
// probing from oscillating on absent keys: a window that closes after a
// low advance is a miss, and a probe that lands back on the window
// start switches to the linear scan.
func (r *Retriever) Lookup(key []byte) (Entry, error) {
	lo, hi := int64(0), r.size

	for hi-lo > int64(r.o.BufferSize) {
		mid := (lo + hi) / 2

		start, end, line, err := r.lineAfter(mid)
		if err == io.EOF {
			return r.scanRange(lo, hi, key)
		} else if err != nil {
			return Entry{}, err
		}

		ent, err := parseEntry(line)
		if err != nil {
			return Entry{}, err
		}

		switch cmp := bytes.Compare(ent.Key, key); {
		case cmp == 0:
			return ent, nil
		case cmp < 0:
			lo = end
			if lo >= hi {
				return Entry{}, ErrNotFound
			}
		default:
			if start == lo {
				return r.scanRange(lo, hi, key)
			}
			hi = mid
		}
	}
	return r.scanRange(lo, hi, key)
}

const probeChunkSize = 4096

// findNewline returns the offset of the first newline at or after from,
// or -1 when there is none before the end of the index.
func (r *Retriever) findNewline(from int64) (int64, error) {
	buf := make([]byte, probeChunkSize)
	for pos := from; pos < r.size; {
		chunk := buf
		if rest := r.size - pos; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := r.index.ReadAt(chunk, pos)
		if i := bytes.IndexByte(chunk[:n], '\n'); i >= 0 {
			return pos + int64(i), nil
		}
		if err != nil && err != io.EOF {
			return -1, err
		}
		if n == 0 {
			break
		}
		pos += int64(n)
	}
	return -1, nil
}

// lineAfter returns the first complete line starting after pos: its
// start offset, the offset just past its terminator, and its bytes.
// io.EOF means no complete line begins after pos.
func (r *Retriever) lineAfter(pos int64) (start, end int64, line []byte, err error) {
	nl, err := r.findNewline(pos)
	if err != nil {
		return 0, 0, nil, err
	}
	if nl < 0 || nl+1 >= r.size {
		return 0, 0, nil, io.EOF
	}
	start = nl + 1

	stop, err := r.findNewline(start)
	if err != nil {
		return 0, 0, nil, err
	}
	end = r.size
	if stop >= 0 {
		end = stop + 1
	}

	line = make([]byte, end-start)
	if _, err := r.index.ReadAt(line, start); err != nil && err != io.EOF {
		return 0, 0, nil, err
	}
	return start, end, line, nil
}

// scanRange linearly scans the window [lo, hi] for the key. lo is
// always a line start; the last candidate line may begin exactly at hi
// and extend past it.
func (r *Retriever) scanRange(lo, hi int64, key []byte) (Entry, error) {
	if lo >= r.size {
		return Entry{}, ErrNotFound
	}

	br := bufio.NewReaderSize(io.NewSectionReader(r.index, lo, r.size-lo), r.o.BufferSize+probeChunkSize)
	for pos := lo; pos <= hi; {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 {
			break
		}

		ent, perr := parseEntry(line)
		if perr != nil {
			return Entry{}, perr
		}
		switch cmp := bytes.Compare(ent.Key, key); {
		case cmp == 0:
			return ent, nil
		case cmp > 0:
			return Entry{}, ErrNotFound
		}

		pos += int64(len(line))
		if err != nil {
			break
		}
	}
	return Entry{}, ErrNotFound
}

// --------------------------------------------------------------------

type memberRef struct {
	offset int64
	length int64
}

// Retrieve looks up every newline-separated key read from keys and
// writes the matching records to out. Keys are processed in batches;
// each distinct member is decompressed once per batch and its records
// filtered against the batch's query subset. Members are visited in
// ascending offset order. Corrupt members are skipped and counted in
// the returned stats.
func (r *Retriever) Retrieve(ctx context.Context, keys io.Reader, out io.Writer) (RetrieveStats, error) {
	var stats RetrieveStats

	batch := make([][]byte, 0, r.o.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.retrieveBatch(ctx, batch, out, &stats)
		batch = batch[:0]
		return err
	}

	br := bufio.NewReader(keys)
	for {
		line, err := br.ReadBytes('\n')
		if key := bytes.TrimRight(line, "\r\n"); len(key) != 0 {
			stats.Requested++
			batch = append(batch, append([]byte(nil), key...))
			if len(batch) >= r.o.BatchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return stats, err
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (r *Retriever) retrieveBatch(ctx context.Context, batch [][]byte, out io.Writer, stats *RetrieveStats) error {
	groups := make(map[memberRef]map[string]struct{})
	for _, key := range batch {
		ent, err := r.Lookup(key)
		if err == ErrNotFound {
			stats.Missing++
			continue
		} else if err != nil {
			return err
		}

		ref := memberRef{offset: ent.Offset, length: ent.Length}
		if groups[ref] == nil {
			groups[ref] = make(map[string]struct{})
		}
		groups[ref][string(key)] = struct{}{}
	}

	refs := make([]memberRef, 0, len(groups))
	for ref := range groups {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].offset < refs[j].offset })

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		matched, err := r.filterMember(ref, groups[ref], out)
		stats.Matched += matched
		if err != nil {
			var me *memberError
			if errors.As(err, &me) {
				stats.CodecErrors++ // skip the corrupt member, keep going
				continue
			}
			return err
		}
	}
	return nil
}

// memberError marks a member that could not be decompressed, as opposed
// to a failure of the output sink.
type memberError struct{ err error }

func (e *memberError) Error() string { return e.err.Error() }
func (e *memberError) Unwrap() error { return e.err }

// filterMember decompresses one member and writes the records whose key
// is in the wanted set. Matching records are held back until the whole
// member has decoded, so a member that fails to decompress writes none.
func (r *Retriever) filterMember(ref memberRef, wanted map[string]struct{}, out io.Writer) (int64, error) {
	dec, err := DecompressRange(r.archive, r.o.Codec, ref.offset, ref.length)
	if err != nil {
		return 0, &memberError{err: err}
	}
	defer dec.Close()

	var matched int64
	var hits bytes.Buffer
	br := bufio.NewReader(dec)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) != 0 {
			key, kerr := r.o.Format.ExtractKey(line)
			if kerr == nil {
				if _, ok := wanted[string(key)]; ok {
					hits.Write(line)
					if !bytes.HasSuffix(line, []byte{'\n'}) {
						hits.WriteByte('\n')
					}
					matched++
				}
			}
		}
		if err == io.EOF {
			if _, werr := out.Write(hits.Bytes()); werr != nil {
				return matched, werr
			}
			return matched, nil
		} else if err != nil {
			return 0, &memberError{err: err}
		}
	}
}

// Search writes the records for a single key to out. It returns
// ErrNotFound when the key is absent from the index.
func (r *Retriever) Search(ctx context.Context, key []byte, out io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ent, err := r.Lookup(key)
	if err != nil {
		return err
	}

	wanted := map[string]struct{}{string(key): {}}
	if _, err := r.filterMember(memberRef{offset: ent.Offset, length: ent.Length}, wanted, out); err != nil {
		return fmt.Errorf("gzipi: cannot read member at %d: %w", ent.Offset, err)
	}
	return nil
}
