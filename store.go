package gzipi

import (
	"context"
	"io"
	"os"

	"github.com/bsm/bfs"
)

// Opener resolves paths to byte streams. The core is agnostic to what a
// path means; implementations decide. Readers are seekable so that the
// retriever can issue member-range reads.
type Opener interface {
	// OpenRead opens a path for reading.
	OpenRead(ctx context.Context, path string) (io.ReadSeekCloser, error)

	// OpenWrite opens a path for writing, truncating previous content.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Rename replaces newPath with the content written to oldPath.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Remove deletes a path.
	Remove(ctx context.Context, path string) error
}

// --------------------------------------------------------------------

// NewFSOpener returns an Opener over the local filesystem. Rename is
// atomic, which makes it suitable for promoting temporary outputs.
func NewFSOpener() Opener { return fsOpener{} }

type fsOpener struct{}

func (fsOpener) OpenRead(_ context.Context, path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
}

func (fsOpener) OpenWrite(_ context.Context, path string) (io.WriteCloser, error) {
	return os.Create(path)
}

func (fsOpener) Rename(_ context.Context, oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (fsOpener) Remove(_ context.Context, path string) error {
	return os.Remove(path)
}

// --------------------------------------------------------------------

// NewBucketOpener returns an Opener over a bfs bucket. Objects opened
// for reading are staged in a local temp file to satisfy seekability;
// the file is removed when the reader is closed. Rename is emulated as
// copy + remove, so promotion is not atomic on object stores.
func NewBucketOpener(bucket bfs.Bucket, tempDir string) Opener {
	return &bucketOpener{bucket: bucket, tempDir: tempDir}
}

type bucketOpener struct {
	bucket  bfs.Bucket
	tempDir string
}

func (o *bucketOpener) OpenRead(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	obj, err := o.bucket.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	f, err := os.CreateTemp(o.tempDir, "gzipi-stage-")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(f, obj); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &stagedFile{File: f}, nil
}

func (o *bucketOpener) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	return o.bucket.Create(ctx, path, nil)
}

func (o *bucketOpener) Rename(ctx context.Context, oldPath, newPath string) error {
	src, err := o.bucket.Open(ctx, oldPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := o.bucket.Create(ctx, newPath, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return o.bucket.Remove(ctx, oldPath)
}

func (o *bucketOpener) Remove(ctx context.Context, path string) error {
	return o.bucket.Remove(ctx, path)
}

// stagedFile is a self-deleting local copy of a remote object.
type stagedFile struct {
	*os.File
}

func (f *stagedFile) Close() error {
	err := f.File.Close()
	if rerr := os.Remove(f.File.Name()); err == nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}
