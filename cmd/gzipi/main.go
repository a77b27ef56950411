// Command gzipi repacks line-oriented gzip/zstd files into seekable
// archives, builds key indexes for them and retrieves records by key.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/ProfoundNetworks/gzipi"
	"github.com/bsm/bfs"
	_ "github.com/bsm/bfs/bfsfs" // registers the file:// scheme
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/pflag"
)

const mainUsage = `Usage: gzipi <command> [options]

Available commands:
    repack    Recompress a record file into a seekable archive and index it.
    index     Scan an already chunked archive and create a new index.
    retrieve  Fetch the records for a list of keys.
    search    Fetch the records for a single key.

Run 'gzipi <command> --help' for command options.`

var errUsage = errors.New("usage error")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, mainUsage)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var err error
	switch cmd := args[0]; cmd {
	case "repack":
		err = cmdRepack(ctx, log, args[1:])
	case "index":
		err = cmdIndex(ctx, log, args[1:])
	case "retrieve":
		err = cmdRetrieve(ctx, log, args[1:])
	case "search":
		err = cmdSearch(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Println(mainUsage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "gzipi: unknown command %q\n\n%s\n", cmd, mainUsage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "gzipi: %v\n", err)
		return 2
	case errors.Is(err, gzipi.ErrIntegrity):
		log.Error("integrity failure", "error", err)
		return 3
	default:
		log.Error("run failed", "error", err)
		return 1
	}
}

// --------------------------------------------------------------------

type formatFlags struct {
	format    *string
	field     *string
	column    *int
	delimiter *string
}

func addFormatFlags(fs *pflag.FlagSet) *formatFlags {
	return &formatFlags{
		format:    fs.String("format", "raw", "record format: json | csv | raw"),
		field:     fs.String("field", gzipi.DefaultJSONField, "JSON key field (with --format json)"),
		column:    fs.Int("column", gzipi.DefaultCSVColumn, "CSV key column, 0-based (with --format csv)"),
		delimiter: fs.String("delimiter", string(gzipi.DefaultCSVDelimiter), "CSV delimiter byte (with --format csv)"),
	}
}

func (ff *formatFlags) parse() (*gzipi.Format, error) {
	kind, err := gzipi.ParseFormatKind(*ff.format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if len(*ff.delimiter) != 1 {
		return nil, fmt.Errorf("%w: delimiter must be a single byte", errUsage)
	}
	return &gzipi.Format{
		Kind:      kind,
		Field:     *ff.field,
		Column:    *ff.column,
		Delimiter: (*ff.delimiter)[0],
	}, nil
}

func pickCodec(name, path string) (gzipi.Codec, error) {
	if name != "" {
		c, err := gzipi.ParseCodec(name)
		if err != nil {
			return c, fmt.Errorf("%w: unsupported codec %q", errUsage, name)
		}
		return c, nil
	}
	if c, ok := gzipi.DetectCodec(path); ok {
		return c, nil
	}
	return gzipi.GZIP, nil
}

// resolveOpener maps a path to the opener that can serve it together
// with the in-store object name. For bucket URIs the directory part
// resolves to a bucket through the bfs scheme registry and the base
// name addresses the object within it.
func resolveOpener(ctx context.Context, p string) (gzipi.Opener, string, func() error, error) {
	if !strings.Contains(p, "://") {
		return gzipi.NewFSOpener(), p, func() error { return nil }, nil
	}

	u, err := url.Parse(p)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%w: cannot parse %q", errUsage, p)
	}
	name := path.Base(u.Path)
	u.Path = path.Dir(u.Path)

	bucket, err := bfs.Resolve(ctx, u)
	if err != nil {
		return nil, "", nil, err
	}
	return gzipi.NewBucketOpener(bucket, ""), name, bucket.Close, nil
}

func openInput(ctx context.Context, path string) (io.ReadSeekCloser, func() error, error) {
	opener, name, done, err := resolveOpener(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	r, err := opener.OpenRead(ctx, name)
	if err != nil {
		done()
		return nil, nil, err
	}
	return r, done, nil
}

// --------------------------------------------------------------------

func cmdRepack(ctx context.Context, log *slog.Logger, args []string) error {
	fs := pflag.NewFlagSet("repack", pflag.ContinueOnError)
	input := fs.StringP("input-file", "f", "", "input records, '-' or absent for stdin")
	output := fs.StringP("output-file", "o", "", "output archive path (required)")
	index := fs.StringP("index-file", "i", "", "output index path (required)")
	codec := fs.String("codec", "", "archive and index codec: gzip | zstd (default: from extension)")
	members := fs.Int("member-records", 0, "records per member")
	strict := fs.Bool("strict", false, "fail on records without an extractable key")
	ff := addFormatFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" || *index == "" {
		return fmt.Errorf("%w: repack requires --output-file and --index-file", errUsage)
	}

	format, err := ff.parse()
	if err != nil {
		return err
	}
	archiveCodec, err := pickCodec(*codec, *output)
	if err != nil {
		return err
	}
	indexCodec, err := pickCodec(*codec, *index)
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	if *input != "" && *input != "-" {
		in, done, err := openInput(ctx, *input)
		if err != nil {
			return err
		}
		defer done()
		defer in.Close()
		src = in
	}

	opener, outName, done, err := resolveOpener(ctx, *output)
	if err != nil {
		return err
	}
	defer done()
	idxOpener, idxName, idxDone, err := resolveOpener(ctx, *index)
	if err != nil {
		return err
	}
	defer idxDone()

	// the raw index is spilled locally, consumed by the builder below
	rawIndex, err := os.CreateTemp("", "gzipi-raw-")
	if err != nil {
		return err
	}
	defer os.Remove(rawIndex.Name())
	defer rawIndex.Close()

	archive, err := opener.OpenWrite(ctx, outName+".tmp")
	if err != nil {
		return err
	}
	abort := func() {
		archive.Close()
		opener.Remove(ctx, outName+".tmp")
	}

	stats, err := gzipi.Repack(ctx, src, archive, rawIndex, &gzipi.RepackOptions{
		MemberRecords: *members,
		Format:        format,
		Codec:         archiveCodec,
		Strict:        *strict,
	})
	if err != nil {
		abort()
		return err
	}
	if err := archive.Close(); err != nil {
		opener.Remove(ctx, outName+".tmp")
		return err
	}
	log.Info("repacked", "records", stats.Records, "members", stats.Members, "skipped", stats.Skipped)

	if _, err := rawIndex.Seek(0, io.SeekStart); err != nil {
		opener.Remove(ctx, outName+".tmp")
		return err
	}
	if err := buildIndexFile(ctx, rawIndex, idxOpener, idxName, indexCodec, false); err != nil {
		opener.Remove(ctx, outName+".tmp")
		return err
	}
	return opener.Rename(ctx, outName+".tmp", outName)
}

func cmdIndex(ctx context.Context, log *slog.Logger, args []string) error {
	fs := pflag.NewFlagSet("index", pflag.ContinueOnError)
	input := fs.StringP("input-file", "f", "", "archive to index (required)")
	index := fs.StringP("index-file", "i", "", "output index path (required)")
	codec := fs.String("codec", "", "archive codec: gzip | zstd (default: from extension)")
	strict := fs.Bool("strict", false, "fail on records without an extractable key")
	ff := addFormatFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *index == "" {
		return fmt.Errorf("%w: index requires --input-file and --index-file", errUsage)
	}

	format, err := ff.parse()
	if err != nil {
		return err
	}
	archiveCodec, err := pickCodec(*codec, *input)
	if err != nil {
		return err
	}
	indexCodec, err := pickCodec("", *index)
	if err != nil {
		return err
	}

	src, done, err := openInput(ctx, *input)
	if err != nil {
		return err
	}
	defer done()
	defer src.Close()

	rawIndex, err := os.CreateTemp("", "gzipi-raw-")
	if err != nil {
		return err
	}
	defer os.Remove(rawIndex.Name())
	defer rawIndex.Close()

	stats, err := gzipi.IndexArchive(ctx, src, rawIndex, &gzipi.RepackOptions{
		Format: format,
		Codec:  archiveCodec,
		Strict: *strict,
	})
	if err != nil {
		return err
	}
	log.Info("indexed", "records", stats.Records, "members", stats.Members, "skipped", stats.Skipped)

	if _, err := rawIndex.Seek(0, io.SeekStart); err != nil {
		return err
	}

	idxOpener, idxName, idxDone, err := resolveOpener(ctx, *index)
	if err != nil {
		return err
	}
	defer idxDone()

	// members were not produced by this run, so a key may occur in more
	// than one of them; the first member wins
	return buildIndexFile(ctx, rawIndex, idxOpener, idxName, indexCodec, true)
}

func buildIndexFile(ctx context.Context, rawIndex io.Reader, opener gzipi.Opener, name string, codec gzipi.Codec, firstWins bool) error {
	out, err := opener.OpenWrite(ctx, name+".tmp")
	if err != nil {
		return err
	}
	if err := gzipi.BuildIndex(ctx, rawIndex, out, &gzipi.BuilderOptions{
		Codec:     codec,
		FirstWins: firstWins,
	}); err != nil {
		out.Close()
		opener.Remove(ctx, name+".tmp")
		return err
	}
	if err := out.Close(); err != nil {
		opener.Remove(ctx, name+".tmp")
		return err
	}
	return opener.Rename(ctx, name+".tmp", name)
}

// --------------------------------------------------------------------

func newRetriever(ctx context.Context, input, index, codec string, ff *formatFlags) (*gzipi.Retriever, func(), error) {
	format, err := ff.parse()
	if err != nil {
		return nil, nil, err
	}
	archiveCodec, err := pickCodec(codec, input)
	if err != nil {
		return nil, nil, err
	}
	indexCodec, err := pickCodec("", index)
	if err != nil {
		return nil, nil, err
	}

	archive, archiveDone, err := openInput(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	archiveAt, ok := archive.(io.ReaderAt)
	if !ok {
		archive.Close()
		archiveDone()
		return nil, nil, fmt.Errorf("gzipi: archive reader is not seekable")
	}

	idx, idxDone, err := openInput(ctx, index)
	if err != nil {
		archive.Close()
		archiveDone()
		return nil, nil, err
	}

	ret, err := gzipi.NewRetriever(archiveAt, idx, &gzipi.RetrieverOptions{
		Codec:      archiveCodec,
		IndexCodec: indexCodec,
		Format:     format,
	})
	idx.Close()
	idxDone()
	if err != nil {
		archive.Close()
		archiveDone()
		return nil, nil, err
	}

	cleanup := func() {
		ret.Close()
		archive.Close()
		archiveDone()
	}
	return ret, cleanup, nil
}

func cmdRetrieve(ctx context.Context, log *slog.Logger, args []string) error {
	fs := pflag.NewFlagSet("retrieve", pflag.ContinueOnError)
	input := fs.StringP("input-file", "f", "", "archive to read (required)")
	index := fs.StringP("index-file", "i", "", "index path (required)")
	keys := fs.StringP("keys-file", "k", "", "keys, one per line, '-' or absent for stdin")
	output := fs.StringP("output-file", "o", "", "output records, '-' or absent for stdout")
	codec := fs.String("codec", "", "archive codec: gzip | zstd (default: from extension)")
	ff := addFormatFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *index == "" {
		return fmt.Errorf("%w: retrieve requires --input-file and --index-file", errUsage)
	}

	ret, cleanup, err := newRetriever(ctx, *input, *index, *codec, ff)
	if err != nil {
		return err
	}
	defer cleanup()

	var keySrc io.Reader = os.Stdin
	if *keys != "" && *keys != "-" {
		f, err := os.Open(*keys)
		if err != nil {
			return err
		}
		defer f.Close()
		keySrc = f
		if c, ok := gzipi.DetectCodec(*keys); ok && c == gzipi.GZIP {
			zr, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer zr.Close()
			keySrc = zr
		}
	}

	var out io.WriteCloser = os.Stdout
	if *output != "" && *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	stats, err := ret.Retrieve(ctx, keySrc, w)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	log.Info("retrieved", "requested", stats.Requested, "matched", stats.Matched, "missing", stats.Missing)
	if stats.CodecErrors > 0 {
		return fmt.Errorf("gzipi: %d members could not be decompressed", stats.CodecErrors)
	}
	return nil
}

func cmdSearch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
	input := fs.StringP("input-file", "f", "", "archive to read (required)")
	index := fs.StringP("index-file", "i", "", "index path (required)")
	key := fs.String("key", "", "key to search for (required)")
	output := fs.StringP("output-file", "o", "", "output records, '-' or absent for stdout")
	codec := fs.String("codec", "", "archive codec: gzip | zstd (default: from extension)")
	ff := addFormatFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *index == "" || *key == "" {
		return fmt.Errorf("%w: search requires --input-file, --index-file and --key", errUsage)
	}

	ret, cleanup, err := newRetriever(ctx, *input, *index, *codec, ff)
	if err != nil {
		return err
	}
	defer cleanup()

	var out io.WriteCloser = os.Stdout
	if *output != "" && *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	if err := ret.Search(ctx, []byte(*key), w); err != nil {
		if errors.Is(err, gzipi.ErrNotFound) {
			return nil // an absent key is not an error
		}
		return err
	}
	return w.Flush()
}
