/*
Package kvdict implements typed dictionaries on top of an embedded ordered
key-value engine (Bolt, Pebble, or an in-memory B-tree).

We implement:

1. Typed values (unsigned and signed integers of 8 to 64 bits, float64, bool,
text, bytes) plus opaque values handled by a pluggable Serializer.

2. An order-preserving key encoding, so that cursors visit keys in their
natural order.

3. Partitions, named key spaces within one store, handed out as references
that stop working once the partition is dropped.

4. Cursors, sequences and snapshots reading a consistent point-in-time view,
with bounds, prefix scans and tailing.

5. Bulk ingestion of sorted files built with SSTFileWriter.

# Technical Details

**Handles.**
A DB owns the engine. Dicts, Partitions, Cursors and Snapshots are views that
reach the engine through the DB's handle, which checks liveness on every call:
after Close, all of them fail with ErrHandleClosed. Close releases open cursors
and snapshots before closing the engine.

**Partitions.**
Bolt stores each partition in its own bucket. Pebble has a single key space, so
partition keys are prefixed with a 4-byte partition id; ids are never reused.

## Binary encoding

**Key encoding.**
Unsigned integers: big-endian at their width. Signed integers: big-endian with
the sign bit flipped. Floats: IEEE bits, all bits flipped for negatives and
only the sign bit flipped otherwise; -0.0 encodes as +0.0. Bools: one byte.
Text and bytes: verbatim. Keys of different kinds do not sort meaningfully
against each other.

**Value encoding.**
1. Kind tag (one byte, see Kind).
2. Payload: fixed-width big-endian for numbers and bools, verbatim for text
and bytes, Serializer output for opaque values.
3. On stores opened with a TTL: write time, unix seconds, 8 bytes big-endian.
*/
package kvdict
