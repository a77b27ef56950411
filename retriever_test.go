package gzipi_test

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ProfoundNetworks/gzipi"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Retriever", func() {
	var subject *gzipi.Retriever
	var ctx = context.Background()

	// 500 records in 32 members; a small buffer forces real probing
	BeforeEach(func() {
		var err error
		subject, err = seedRetriever(numRecords(500),
			&gzipi.RepackOptions{MemberRecords: 16, Format: csvFormat},
			&gzipi.RetrieverOptions{Format: csvFormat, BufferSize: 256},
		)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
	})

	It("should look up every stored key", func() {
		for i := 0; i < 500; i++ {
			key := fmt.Sprintf("key%04d", i)
			ent, err := subject.Lookup([]byte(key))
			Expect(err).NotTo(HaveOccurred(), "for %s", key)
			Expect(string(ent.Key)).To(Equal(key))
			Expect(ent.Length).To(BeNumerically(">", 0))
		}
	})

	It("should miss unknown keys without diverging", func() {
		for _, key := range []string{
			"",           // before every key
			"aaa",        // before every key
			"key0250x",   // between two keys
			"key0499x",   // just past the last key
			"zzzzzzzzzz", // after every key
		} {
			_, err := subject.Lookup([]byte(key))
			Expect(err).To(MatchError(gzipi.ErrNotFound), "for %q", key)
		}
	})

	It("should retrieve records for bulk keys", func() {
		keys := "key0000\nkey0123\nmissing-1\nkey0499\nmissing-2\n"
		out := new(bytes.Buffer)

		stats, err := subject.Retrieve(ctx, strings.NewReader(keys), out)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Requested).To(Equal(int64(5)))
		Expect(stats.Matched).To(Equal(int64(3)))
		Expect(stats.Missing).To(Equal(int64(2)))
		Expect(stats.CodecErrors).To(Equal(int64(0)))

		got := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		sort.Strings(got)
		Expect(got).To(Equal([]string{"key0000|v0", "key0123|v123", "key0499|v499"}))
	})

	It("should round-trip all records", func() {
		var keys []string
		for i := 0; i < 500; i++ {
			keys = append(keys, fmt.Sprintf("key%04d", i))
		}
		out := new(bytes.Buffer)

		stats, err := subject.Retrieve(ctx, strings.NewReader(strings.Join(keys, "\n")+"\n"), out)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Matched).To(Equal(int64(500)))
		Expect(stats.Missing).To(Equal(int64(0)))

		got := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		want := make([]string, 0, 500)
		for _, rec := range numRecords(500) {
			want = append(want, strings.TrimRight(rec, "\n"))
		}
		sort.Strings(got)
		sort.Strings(want)
		Expect(got).To(Equal(want))
	})

	It("should search single keys", func() {
		out := new(bytes.Buffer)
		Expect(subject.Search(ctx, []byte("key0042"), out)).To(Succeed())
		Expect(out.String()).To(Equal("key0042|v42\n"))

		Expect(subject.Search(ctx, []byte("nope"), out)).To(MatchError(gzipi.ErrNotFound))
	})
})

var _ = Describe("Retriever (edge cases)", func() {
	var ctx = context.Background()

	It("should handle a single-record archive", func() {
		subject, err := seedRetriever([]string{"only|1\n"},
			&gzipi.RepackOptions{Format: csvFormat},
			&gzipi.RetrieverOptions{Format: csvFormat},
		)
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		out := new(bytes.Buffer)
		Expect(subject.Search(ctx, []byte("only"), out)).To(Succeed())
		Expect(out.String()).To(Equal("only|1\n"))

		_, err = subject.Lookup([]byte("other"))
		Expect(err).To(MatchError(gzipi.ErrNotFound))
	})

	It("should return every record of a shared key", func() {
		records := []string{"dup|1\n", "dup|2\n", "dup|3\n"}
		subject, err := seedRetriever(records,
			&gzipi.RepackOptions{MemberRecords: 10, Format: csvFormat},
			&gzipi.RetrieverOptions{Format: csvFormat},
		)
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		out := new(bytes.Buffer)
		Expect(subject.Search(ctx, []byte("dup"), out)).To(Succeed())
		Expect(out.String()).To(Equal("dup|1\ndup|2\ndup|3\n"))
	})

	It("should miss everything on an empty archive", func() {
		subject, err := seedRetriever(nil,
			&gzipi.RepackOptions{Format: csvFormat},
			&gzipi.RetrieverOptions{Format: csvFormat},
		)
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		_, err = subject.Lookup([]byte("any"))
		Expect(err).To(MatchError(gzipi.ErrNotFound))

		out := new(bytes.Buffer)
		stats, err := subject.Retrieve(ctx, strings.NewReader("a\nb\n"), out)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Missing).To(Equal(int64(2)))
		Expect(out.Len()).To(Equal(0))
	})

	It("should spill oversized indexes to scratch", func() {
		subject, err := seedRetriever(numRecords(500),
			&gzipi.RepackOptions{MemberRecords: 16, Format: csvFormat},
			&gzipi.RetrieverOptions{Format: csvFormat, MaxMemIndex: 128, BufferSize: 256},
		)
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		ent, err := subject.Lookup([]byte("key0321"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(ent.Key)).To(Equal("key0321"))
	})

	It("should skip corrupt members and keep going", func() {
		archive, index, _, err := seedArchive(numRecords(30), &gzipi.RepackOptions{MemberRecords: 10, Format: csvFormat})
		Expect(err).NotTo(HaveOccurred())

		// members hold keys 20..29, 10..19 and 0..9; poison the middle one
		offsets, lengths, err := scanOffsets(archive.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(offsets).To(HaveLen(3))

		poisoned := append([]byte{}, archive.Bytes()...)
		poisoned[offsets[1]+lengths[1]/2] ^= 0xFF

		subject, err := gzipi.NewRetriever(bytes.NewReader(poisoned), index, &gzipi.RetrieverOptions{Format: csvFormat})
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		out := new(bytes.Buffer)
		stats, err := subject.Retrieve(ctx, strings.NewReader("key0025\nkey0015\nkey0005\n"), out)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.CodecErrors).To(Equal(int64(1)))
		Expect(stats.Matched).To(Equal(int64(2)))

		got := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		sort.Strings(got)
		Expect(got).To(Equal([]string{"key0005|v5", "key0025|v25"}))
	})

	It("should retrieve from zstandard archives", func() {
		subject, err := seedRetriever(numRecords(100),
			&gzipi.RepackOptions{MemberRecords: 8, Format: csvFormat, Codec: gzipi.Zstandard},
			&gzipi.RetrieverOptions{Format: csvFormat, Codec: gzipi.Zstandard},
		)
		Expect(err).NotTo(HaveOccurred())
		defer subject.Close()

		out := new(bytes.Buffer)
		stats, err := subject.Retrieve(ctx, strings.NewReader("key0007\nkey0077\n"), out)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Matched).To(Equal(int64(2)))
	})
})
