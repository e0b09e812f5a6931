/*
Package structsy implements a single-file embedded database for typed records.

Application code declares record types and per-field indexes, then performs
transactional inserts, updates, deletes and queries against one on-disk file.
There is no server process; the database is a library owned by the host
application.

We implement:

1. Types, collections of records marshaled from a given struct.

2. Indexes, persistent ordered trees allowing point and range lookup of
records by field values. An index may be unique, and at most one index per
type may be clustering (it determines default scan order).

3. Transactions, buffering mutations in memory and committing them
atomically through a checksummed commit log, with snapshot isolation for
readers.

4. Queries, conjunctions of equality and range predicates executed through
the most selective available index, with residual predicates filtered in
memory.

# Technical Details

**File layout.**
A fixed 4 KiB header (magic, format version, page size, instance id, commit
log region bounds, two alternating meta slots), followed by the commit log
region, followed by the growable data region holding record slots and tree
nodes.

**Slots.**
All persistent data beyond the header lives in variable-length slots,
each prefixed with its length. Reclaimed slots are tracked in a free list
and reused first-fit before the file grows.

**Meta.**
The committed state (catalog, tree roots, free list, next record id) is a
msgpack blob written to a fresh slot on every commit. The two header meta
slots alternate; each holds the blob location and xxhash checksums, and the
slot with the highest valid transaction id wins on open.

**Trees.**
Indexes and the record-id indirection table are copy-on-write B-trees over
slots. Commits rewrite modified nodes into fresh slots and swap roots in the
meta, so readers traverse an immutable snapshot for free. Slots released by
a commit stay quarantined until no older snapshot is live.

**Record ids.**
A record is addressed by a Ref, a stable integer assigned at insert and
never reused. Refs map to physical offsets through an indirection tree, so
updates may relocate a record without touching index entries.

**Key encoding.**
Index keys are encoded so that byte-lexicographic order matches logical
order: fixed-width big-endian integers with the sign bit flipped,
escape-terminated strings, IEEE floats with sign-dependent bit flips.

**Value encoding.**
A record slot holds the type ordinal, flags, a schema version, the msgpack
payload, and the index keys this record contributed. If index computation
changes in the future, we still need to know which entries to delete when
updating or removing the record, so we store all contributed keys.

**Commit log.**
A commit serializes its whole write buffer into one snappy-compressed,
xxhash-checksummed log entry, flushed before anything else is touched. The
entry is the atomicity boundary: recovery replays entries newer than the
durable meta and discards torn ones.
*/
package structsy
