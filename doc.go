/*
Package gzipi implements random access to large line-oriented record
files stored as block-compressed gzip or Zstandard archives.

Plain compressed files are not seekable: to find one record you have to
inflate everything before it. gzipi repacks a record stream into a
sequence of bounded, independently decompressible members and builds a
sorted index from record keys to members. Retrieval then only inflates
the members that contain the requested keys.

# Data Structure Documentation

# Archive

An archive is a plain concatenation of complete codec frames (gzip
members per RFC 1952, or Zstandard frames per RFC 8878). There is no
wrapper format: any standard decompressor produces the full record
stream.

	Archive layout:
	+----------+----------+---------+----------+
	| member 1 | member 2 |   ...   | member n |
	+----------+----------+---------+----------+

Each member holds up to MemberRecords newline-terminated records,
sorted by key. Members are laid out back-to-back, so the sum of member
lengths equals the archive size.

# Index

The index is a single compressed stream of newline-terminated lines,
sorted by key:

	Index line:
	+-----+-----+--------+-----+--------+----+
	| key | TAB | offset | TAB | length | LF |
	+-----+-----+--------+-----+--------+----+

offset and length are the decimal byte position and size of the member
that contains the key. Many keys may share one member. Keys are raw
bytes ordered bytewise; TAB and LF cannot occur in a key.

Retrieval inflates the index into scratch space and binary-searches it
by byte offset, falling back to a buffered linear scan once the search
window is small.
*/
package gzipi
