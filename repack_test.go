package gzipi_test

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ProfoundNetworks/gzipi"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Repack", func() {
	var opts *gzipi.RepackOptions

	BeforeEach(func() {
		opts = &gzipi.RepackOptions{MemberRecords: 2, Format: csvFormat}
	})

	It("should write an empty archive for empty input", func() {
		archive, index, stats, err := seedArchive(nil, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(archive.Len()).To(Equal(0))
		Expect(stats.Members).To(Equal(int64(0)))

		// the index is empty, but still a well-formed compressed stream
		Expect(index.Len()).To(BeNumerically(">", 0))
		Expect(inflate(index.Bytes(), gzipi.GZIP)).To(Equal(""))
	})

	It("should sort records within members", func() {
		archive, _, stats, err := seedArchive([]string{"b|1\n", "a|2\n", "c|3\n"}, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Records).To(Equal(int64(3)))
		Expect(stats.Members).To(Equal(int64(2)))

		Expect(inflate(archive.Bytes(), gzipi.GZIP)).To(Equal("a|2\nb|1\nc|3\n"))
	})

	It("should emit one entry per key pointing at its member", func() {
		archive, index, _, err := seedArchive([]string{"b|1\n", "a|2\n", "c|3\n"}, opts)
		Expect(err).NotTo(HaveOccurred())

		offsets, lengths, err := scanOffsets(archive.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(offsets).To(HaveLen(2))

		lines, err := indexLines(index.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]string{
			fmt.Sprintf("a\t%d\t%d", offsets[0], lengths[0]),
			fmt.Sprintf("b\t%d\t%d", offsets[0], lengths[0]),
			fmt.Sprintf("c\t%d\t%d", offsets[1], lengths[1]),
		}))
	})

	It("should lay members out back-to-back", func() {
		archive, _, _, err := seedArchive(numRecords(100), &gzipi.RepackOptions{MemberRecords: 7, Format: csvFormat})
		Expect(err).NotTo(HaveOccurred())

		offsets, lengths, err := scanOffsets(archive.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(offsets).To(HaveLen(15))

		var sum int64
		for i, off := range offsets {
			Expect(off).To(Equal(sum), "for member %d", i)
			sum += lengths[i]
		}
		Expect(sum).To(Equal(int64(archive.Len())))
	})

	It("should cut members on the record count", func() {
		for _, tc := range []struct {
			records int
			members int64
		}{
			{1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3},
		} {
			_, _, stats, err := seedArchive(numRecords(tc.records), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Members).To(Equal(tc.members), "for %d records", tc.records)
		}
	})

	It("should collapse duplicate keys within a member", func() {
		_, index, _, err := seedArchive([]string{"a|1\n", "a|2\n", "b|3\n"}, &gzipi.RepackOptions{MemberRecords: 10, Format: csvFormat})
		Expect(err).NotTo(HaveOccurred())

		lines, err := indexLines(index.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(2))
	})

	It("should skip records without an extractable key", func() {
		format := &gzipi.Format{Kind: gzipi.JSONFormat, Field: "id"}
		_, _, stats, err := seedArchive(
			[]string{`{"id":"a"}` + "\n", "not json\n", `{"id":"b"}` + "\n"},
			&gzipi.RepackOptions{MemberRecords: 10, Format: format},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Records).To(Equal(int64(2)))
		Expect(stats.Skipped).To(Equal(int64(1)))
	})

	It("should fail on bad records in strict mode", func() {
		format := &gzipi.Format{Kind: gzipi.JSONFormat, Field: "id"}
		_, _, _, err := seedArchive(
			[]string{`{"id":"a"}` + "\n", "not json\n"},
			&gzipi.RepackOptions{MemberRecords: 10, Format: format, Strict: true},
		)
		Expect(err).To(HaveOccurred())
	})

	It("should split JSON records into members by key order", func() {
		format := &gzipi.Format{Kind: gzipi.JSONFormat, Field: "id"}
		archive, index, _, err := seedArchive(
			[]string{`{"id":"b","v":1}` + "\n", `{"id":"a","v":2}` + "\n", `{"id":"c","v":3}` + "\n"},
			&gzipi.RepackOptions{MemberRecords: 2, Format: format},
		)
		Expect(err).NotTo(HaveOccurred())

		offsets, lengths, err := scanOffsets(archive.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(offsets).To(HaveLen(2))

		first, err := inflateRange(archive.Bytes(), gzipi.GZIP, offsets[0], lengths[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal(`{"id":"a","v":2}` + "\n" + `{"id":"b","v":1}` + "\n"))

		second, err := inflateRange(archive.Bytes(), gzipi.GZIP, offsets[1], lengths[1])
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(`{"id":"c","v":3}` + "\n"))

		lines, err := indexLines(index.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(3))
		Expect(lines[0]).To(HavePrefix("a\t"))
		Expect(lines[2]).To(HavePrefix("c\t"))
	})

	It("should inflate compressed input transparently", func() {
		archive1, _, _, err := seedArchive(numRecords(50), opts)
		Expect(err).NotTo(HaveOccurred())

		archive2 := new(bytes.Buffer)
		raw2 := new(bytes.Buffer)
		stats, err := gzipi.Repack(context.Background(), bytes.NewReader(archive1.Bytes()), archive2, raw2, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Records).To(Equal(int64(50)))
	})

	It("should be idempotent", func() {
		o := &gzipi.RepackOptions{MemberRecords: 7, Format: csvFormat}
		archive1, index1, _, err := seedArchive(numRecords(100), o)
		Expect(err).NotTo(HaveOccurred())

		archive2 := new(bytes.Buffer)
		raw2 := new(bytes.Buffer)
		_, err = gzipi.Repack(context.Background(), bytes.NewReader(archive1.Bytes()), archive2, raw2, o)
		Expect(err).NotTo(HaveOccurred())
		Expect(archive2.Bytes()).To(Equal(archive1.Bytes()))

		index2 := new(bytes.Buffer)
		Expect(gzipi.BuildIndex(context.Background(), raw2, index2, nil)).To(Succeed())
		Expect(index2.Bytes()).To(Equal(index1.Bytes()))
	})

	It("should write zstandard archives", func() {
		o := &gzipi.RepackOptions{MemberRecords: 8, Format: csvFormat, Codec: gzipi.Zstandard}
		archive, index, stats, err := seedArchive(numRecords(30), o)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Members).To(Equal(int64(4)))

		offsets, lengths, err := scanOffsets(archive.Bytes(), gzipi.Zstandard)
		Expect(err).NotTo(HaveOccurred())
		Expect(offsets).To(HaveLen(4))

		var sum int64
		for _, l := range lengths {
			sum += l
		}
		Expect(sum).To(Equal(int64(archive.Len())))

		lines, err := indexLines(index.Bytes(), gzipi.Zstandard)
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(30))
	})
})

var _ = Describe("IndexArchive", func() {
	It("should reproduce the index of a repacked archive", func() {
		o := &gzipi.RepackOptions{MemberRecords: 5, Format: csvFormat}
		archive, index, _, err := seedArchive(numRecords(23), o)
		Expect(err).NotTo(HaveOccurred())

		raw := new(bytes.Buffer)
		stats, err := gzipi.IndexArchive(context.Background(), bytes.NewReader(archive.Bytes()), raw, o)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Records).To(Equal(int64(23)))
		Expect(stats.Members).To(Equal(int64(5)))

		rebuilt := new(bytes.Buffer)
		Expect(gzipi.BuildIndex(context.Background(), raw, rebuilt, nil)).To(Succeed())
		Expect(rebuilt.Bytes()).To(Equal(index.Bytes()))
	})

	It("should collapse cross-member duplicates to the first member", func() {
		o := &gzipi.RepackOptions{MemberRecords: 5, Format: csvFormat}

		// two concatenated repack runs share all their keys
		run1, _, _, err := seedArchive(numRecords(8), o)
		Expect(err).NotTo(HaveOccurred())
		run2, _, _, err := seedArchive(numRecords(8), o)
		Expect(err).NotTo(HaveOccurred())
		archive := append(append([]byte{}, run1.Bytes()...), run2.Bytes()...)

		raw := new(bytes.Buffer)
		_, err = gzipi.IndexArchive(context.Background(), bytes.NewReader(archive), raw, o)
		Expect(err).NotTo(HaveOccurred())

		// without first-wins the build must fail the integrity check
		strict := new(bytes.Buffer)
		err = gzipi.BuildIndex(context.Background(), bytes.NewReader(raw.Bytes()), strict, nil)
		Expect(err).To(MatchError(gzipi.ErrIntegrity))

		index := new(bytes.Buffer)
		Expect(gzipi.BuildIndex(context.Background(), bytes.NewReader(raw.Bytes()), index, &gzipi.BuilderOptions{FirstWins: true})).To(Succeed())

		lines, err := indexLines(index.Bytes(), gzipi.GZIP)
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(8))
		for _, line := range lines {
			cols := strings.Split(line, "\t")
			Expect(cols).To(HaveLen(3))
			offset, err := strconv.ParseInt(cols[1], 10, 64)
			Expect(err).NotTo(HaveOccurred())
			Expect(offset).To(BeNumerically("<", run1.Len()), "for %s", line)
		}
	})
})
