package gzipi

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	zstdFrameMagic     = 0xFD2FB528
	zstdSkippableMagic = 0x184D2A50
	zstdSkippableMask  = 0xFFFFFFF0
)

// countWriter tracks the number of bytes written to the underlying sink.
type countWriter struct {
	io.Writer
	off int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.off += int64(n)
	return n, err
}

// countReader tracks the number of compressed bytes consumed from the
// underlying reader. It implements io.ByteReader so that the inflater
// reads from it directly, without buffering ahead of frame boundaries.
type countReader struct {
	r *bufio.Reader
	n *int64
}

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	*cr.n += int64(n)
	return n, err
}

func (cr *countReader) ReadByte() (byte, error) {
	b, err := cr.r.ReadByte()
	if err == nil {
		*cr.n++
	}
	return b, err
}

// --------------------------------------------------------------------

// memberWriter appends self-contained compressed frames to a sink,
// back-to-back, and accounts for the exact number of sink bytes each
// frame occupies.
//
// A frame is begun with Open and sealed with Finish; Finish reports the
// compressed frame length. gzip frames carry a zeroed header so that
// identical input produces byte-identical archives.
type memberWriter struct {
	cw   countWriter
	gz   *gzip.Writer
	zw   *zstd.Encoder
	mark int64
	open bool
}

func newMemberWriter(w io.Writer, c Codec) (*memberWriter, error) {
	mw := &memberWriter{cw: countWriter{Writer: w}}
	switch c {
	case GZIP:
		mw.gz = gzip.NewWriter(nil)
	case Zstandard:
		// single-threaded encoding keeps the output deterministic
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		mw.zw = zw
	default:
		return nil, errBadCodec
	}
	return mw, nil
}

// Offset returns the number of bytes written to the sink so far. While
// no frame is open this is the offset at which the next frame begins.
func (mw *memberWriter) Offset() int64 { return mw.cw.off }

// Open begins a fresh frame.
func (mw *memberWriter) Open() error {
	if mw.open {
		return fmt.Errorf("gzipi: member is already open")
	}
	mw.mark = mw.cw.off
	if mw.gz != nil {
		mw.gz.Reset(&mw.cw)
	} else {
		mw.zw.Reset(&mw.cw)
	}
	mw.open = true
	return nil
}

func (mw *memberWriter) Write(p []byte) (int, error) {
	if !mw.open {
		return 0, errClosed
	}
	if mw.gz != nil {
		return mw.gz.Write(p)
	}
	return mw.zw.Write(p)
}

// Finish flushes and seals the current frame and returns its compressed
// length in the sink.
func (mw *memberWriter) Finish() (int64, error) {
	if !mw.open {
		return 0, errClosed
	}
	var err error
	if mw.gz != nil {
		err = mw.gz.Close()
	} else {
		err = mw.zw.Close()
	}
	mw.open = false
	if err != nil {
		return 0, err
	}
	return mw.cw.off - mw.mark, nil
}

// Close seals the open frame, if any.
func (mw *memberWriter) Close() error {
	if !mw.open {
		return nil
	}
	_, err := mw.Finish()
	return err
}

// --------------------------------------------------------------------

// newDecoder returns a decompressor for a stream of one or more
// concatenated frames of the codec.
func newDecoder(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case GZIP:
		return gzip.NewReader(r)
	case Zstandard:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, errBadCodec
}

// DecompressRange decompresses the archive slice [offset, offset+length)
// as a stream of standalone frames. The slice must begin and end on
// frame boundaries.
func DecompressRange(src io.ReaderAt, c Codec, offset, length int64) (io.ReadCloser, error) {
	return newDecoder(io.NewSectionReader(src, offset, length), c)
}

// ScanFrames reports the (offset, length) pair of every frame in a
// compressed stream, in order. Frame boundaries are discovered without
// access to any index, so this works on archives produced by foreign
// tools, as long as they are concatenations of complete frames.
func ScanFrames(src io.Reader, c Codec, fn func(offset, length int64) error) error {
	switch c {
	case GZIP:
		return scanGzipFrames(src, fn)
	case Zstandard:
		return scanZstdFrames(src, fn)
	}
	return errBadCodec
}

// Gzip streams do not declare their compressed length anywhere, so the
// only exact way to find member boundaries is to inflate member by
// member, counting consumed bytes. Multistream(false) stops the reader
// at each member trailer and the ByteReader contract of countReader
// keeps it from reading past it.
func scanGzipFrames(src io.Reader, fn func(offset, length int64) error) error {
	var pos int64
	cr := &countReader{r: bufio.NewReader(src), n: &pos}

	zr, err := gzip.NewReader(cr)
	if err == io.EOF {
		return nil // empty input, no frames
	} else if err != nil {
		return fmt.Errorf("gzipi: cannot read frame: %w", err)
	}
	zr.Multistream(false)

	var start int64
	for {
		if _, err := io.Copy(io.Discard, zr); err != nil {
			return fmt.Errorf("gzipi: cannot read frame at %d: %w", start, err)
		}
		if err := fn(start, pos-start); err != nil {
			return err
		}
		start = pos

		if err := zr.Reset(cr); err == io.EOF {
			return zr.Close()
		} else if err != nil {
			return fmt.Errorf("gzipi: cannot read frame at %d: %w", start, err)
		}
		zr.Multistream(false)
	}
}

// Zstandard frames declare the size of every block, so boundaries can be
// walked structurally without decompressing. Skippable frames are glued
// to the data frame that follows them; the decoder skips them on read.
func scanZstdFrames(src io.Reader, fn func(offset, length int64) error) error {
	br := bufio.NewReader(src)
	buf := make([]byte, 8)

	var pos, start int64
	pending := false

	for {
		if _, err := io.ReadFull(br, buf[:4]); err == io.EOF {
			return nil
		} else if err != nil {
			return errBadFrame
		}
		if !pending {
			start = pos
			pending = true
		}
		pos += 4

		magic := binary.LittleEndian.Uint32(buf[:4])
		if magic&zstdSkippableMask == zstdSkippableMagic {
			if _, err := io.ReadFull(br, buf[:4]); err != nil {
				return errBadFrame
			}
			size := int64(binary.LittleEndian.Uint32(buf[:4]))
			if _, err := io.CopyN(io.Discard, br, size); err != nil {
				return errBadFrame
			}
			pos += 4 + size
			continue
		}
		if magic != zstdFrameMagic {
			return errBadFrame
		}

		fhd, err := br.ReadByte()
		if err != nil {
			return errBadFrame
		}
		pos++
		if fhd&0x08 != 0 { // reserved bit
			return errBadFrame
		}
		singleSegment := fhd&0x20 != 0

		skip := int64(0)
		if !singleSegment {
			skip++ // window descriptor
		}
		switch fhd & 0x03 { // dictionary ID
		case 1:
			skip++
		case 2:
			skip += 2
		case 3:
			skip += 4
		}
		switch fhd >> 6 { // frame content size
		case 0:
			if singleSegment {
				skip++
			}
		case 1:
			skip += 2
		case 2:
			skip += 4
		case 3:
			skip += 8
		}
		if _, err := io.CopyN(io.Discard, br, skip); err != nil {
			return errBadFrame
		}
		pos += skip

		for {
			if _, err := io.ReadFull(br, buf[:3]); err != nil {
				return errBadFrame
			}
			pos += 3

			v := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
			size := int64(v >> 3)
			switch (v >> 1) & 3 {
			case 1: // RLE blocks store a single byte
				size = 1
			case 3:
				return errBadFrame
			}
			if _, err := io.CopyN(io.Discard, br, size); err != nil {
				return errBadFrame
			}
			pos += size

			if v&1 != 0 { // last block
				break
			}
		}

		if fhd&0x04 != 0 { // content checksum
			if _, err := io.ReadFull(br, buf[:4]); err != nil {
				return errBadFrame
			}
			pos += 4
		}

		if err := fn(start, pos-start); err != nil {
			return err
		}
		pending = false
	}
}
