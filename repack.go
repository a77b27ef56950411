package gzipi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	pgzip "github.com/klauspost/pgzip"
)

// RepackOptions define repacker specific options.
type RepackOptions struct {
	// MemberRecords is the maximum number of records per member.
	// Default: 16384.
	MemberRecords int

	// Format describes how keys are extracted from records.
	// Default: raw lines.
	Format *Format

	// Codec is the archive compression codec.
	// Default: GZIP.
	Codec Codec

	// Strict aborts the run on the first record whose key cannot be
	// extracted. The default is to count and skip such records.
	Strict bool
}

func (o *RepackOptions) norm() *RepackOptions {
	var oo RepackOptions
	if o != nil {
		oo = *o
	}
	if oo.MemberRecords < 1 {
		oo.MemberRecords = 1 << 14
	}
	oo.Format = oo.Format.norm()
	if !oo.Codec.isValid() {
		oo.Codec = GZIP
	}
	return &oo
}

// RepackStats summarise a repack or index run.
type RepackStats struct {
	Records int64 // records written; IndexArchive counts every record read, skipped ones included
	Skipped int64 // records dropped because key extraction failed
	Members int64 // members emitted or scanned
}

type bufferedRecord struct {
	key  []byte
	line []byte // record without terminator
}

// Repacker groups records into bounded, key-sorted, independently
// decompressible members and emits one raw index entry per distinct key
// per member. The raw index is unordered across members; pass it
// through BuildIndex to obtain the final index.
type Repacker struct {
	mw  *memberWriter
	idx entryWriter
	o   *RepackOptions

	recs  []bufferedRecord
	stats RepackStats
}

// NewRepacker wraps the archive and raw index sinks and returns a
// Repacker.
func NewRepacker(archive, rawIndex io.Writer, o *RepackOptions) (*Repacker, error) {
	o = o.norm()
	mw, err := newMemberWriter(archive, o.Codec)
	if err != nil {
		return nil, err
	}
	return &Repacker{
		mw:   mw,
		idx:  entryWriter{w: rawIndex},
		o:    o,
		recs: make([]bufferedRecord, 0, o.MemberRecords),
	}, nil
}

// Append adds a single record. The record may carry its newline
// terminator. Records are buffered and emitted as a member once
// MemberRecords have accumulated.
func (r *Repacker) Append(record []byte) error {
	if r.recs == nil {
		return errClosed
	}

	key, err := r.o.Format.ExtractKey(record)
	if err != nil {
		if r.o.Strict {
			return err
		}
		r.stats.Skipped++
		return nil
	}

	line := bytes.TrimRight(record, "\n")
	buf := make([]byte, len(key)+len(line))
	copy(buf, key)
	copy(buf[len(key):], line)

	r.recs = append(r.recs, bufferedRecord{key: buf[:len(key)], line: buf[len(key):]})
	if len(r.recs) >= r.o.MemberRecords {
		return r.Flush()
	}
	return nil
}

// Flush seals the buffered records into a member, regardless of how
// many have accumulated. Flushing an empty buffer is a no-op, so an
// empty input produces a zero-byte archive.
func (r *Repacker) Flush() error {
	if r.recs == nil {
		return errClosed
	}
	if len(r.recs) == 0 {
		return nil
	}

	sort.SliceStable(r.recs, func(i, j int) bool {
		return bytes.Compare(r.recs[i].key, r.recs[j].key) < 0
	})

	offset := r.mw.Offset()
	if err := r.mw.Open(); err != nil {
		return err
	}
	for _, rec := range r.recs {
		if _, err := r.mw.Write(rec.line); err != nil {
			return err
		}
		if _, err := r.mw.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	length, err := r.mw.Finish()
	if err != nil {
		return err
	}

	var prev []byte
	for i, rec := range r.recs {
		if i != 0 && bytes.Equal(rec.key, prev) {
			continue // keys collapse to one entry per member
		}
		prev = rec.key
		if err := r.idx.Write(Entry{Key: rec.key, Offset: offset, Length: length}); err != nil {
			return err
		}
	}

	r.stats.Records += int64(len(r.recs))
	r.stats.Members++
	r.recs = r.recs[:0]
	return nil
}

// Stats returns counters accumulated so far.
func (r *Repacker) Stats() RepackStats { return r.stats }

// Close flushes the final member. It does not close the underlying
// sinks.
func (r *Repacker) Close() error {
	if r.recs == nil {
		return errClosed
	}
	err := r.Flush()
	r.recs = nil
	if err != nil {
		return err
	}
	return r.mw.Close()
}

// --------------------------------------------------------------------

// Repack streams newline-terminated records from src into the archive
// and raw index sinks. Compressed input (gzip or zstandard) is detected
// by its magic bytes and inflated transparently.
func Repack(ctx context.Context, src io.Reader, archive, rawIndex io.Writer, o *RepackOptions) (RepackStats, error) {
	br := bufio.NewReaderSize(src, 1<<16)

	if c, ok := SniffCodec(br); ok {
		var rc io.ReadCloser
		var err error
		if c == GZIP {
			rc, err = pgzip.NewReader(br) // parallel inflate for bulk input
		} else {
			rc, err = newDecoder(br, c)
		}
		if err != nil {
			return RepackStats{}, fmt.Errorf("gzipi: cannot read input: %w", err)
		}
		defer rc.Close()
		br = bufio.NewReaderSize(rc, 1<<16)
	}

	rp, err := NewRepacker(archive, rawIndex, o)
	if err != nil {
		return RepackStats{}, err
	}

	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return rp.Stats(), err
			}
		}

		line, err := br.ReadBytes('\n')
		if len(line) != 0 {
			if aerr := rp.Append(line); aerr != nil {
				return rp.Stats(), aerr
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return rp.Stats(), err
		}
	}

	if err := rp.Close(); err != nil {
		return rp.Stats(), err
	}
	return rp.Stats(), nil
}

// IndexArchive emits raw index entries for an archive that is already
// split into members, without rewriting it. Members are taken as-is and
// are not re-sorted; duplicate keys within a member collapse to one
// entry. The archive codec is sniffed from the stream's magic bytes; the
// codec in the options applies only when the stream is not recognised.
func IndexArchive(ctx context.Context, src io.ReadSeeker, rawIndex io.Writer, o *RepackOptions) (RepackStats, error) {
	o = o.norm()

	codec := o.Codec
	head := bufio.NewReader(io.LimitReader(src, 4))
	if c, ok := SniffCodec(head); ok {
		codec = c
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return RepackStats{}, err
	}

	type frame struct{ off, len int64 }
	var frames []frame
	err := ScanFrames(src, codec, func(offset, length int64) error {
		frames = append(frames, frame{off: offset, len: length})
		return nil
	})
	if err != nil {
		return RepackStats{}, err
	}

	var stats RepackStats
	idx := entryWriter{w: rawIndex}

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, err := src.Seek(f.off, io.SeekStart); err != nil {
			return stats, err
		}

		dec, err := newDecoder(io.LimitReader(src, f.len), codec)
		if err != nil {
			return stats, fmt.Errorf("gzipi: cannot read member at %d: %w", f.off, err)
		}

		seen := make(map[string]struct{})
		lr := bufio.NewReader(dec)
		for {
			line, err := lr.ReadBytes('\n')
			if len(line) != 0 {
				stats.Records++
				key, kerr := o.Format.ExtractKey(line)
				if kerr != nil {
					if o.Strict {
						dec.Close()
						return stats, kerr
					}
					stats.Skipped++
				} else if _, dup := seen[string(key)]; !dup {
					seen[string(key)] = struct{}{}
					if werr := idx.Write(Entry{Key: key, Offset: f.off, Length: f.len}); werr != nil {
						dec.Close()
						return stats, werr
					}
				}
			}
			if err == io.EOF {
				break
			} else if err != nil {
				dec.Close()
				return stats, fmt.Errorf("gzipi: cannot read member at %d: %w", f.off, err)
			}
		}
		if err := dec.Close(); err != nil {
			return stats, err
		}
		stats.Members++
	}
	return stats, nil
}
