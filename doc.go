/*
Package curator implements typed repositories on top of a key-value store.

A repository maps objects of one entity type to records of one collection:

1. Entities are structs embedding Model, defined once with DefineEntity.
The definition names the indexed fields, the migrator and whether records
are encrypted.

2. Saving serializes the object into a flat attribute map, stamps created_at
and updated_at, computes the index map and hands both to the Store.

3. Loading runs the stored map through the migrator before building the
object, so old records never need to be rewritten.

4. Every declared indexed field gets a finder; created_at and updated_at are
always indexed and support range queries.

# Stores

Store is the collaborator interface. KVStore implements it on top of Bolt or
memory, sqlitestore on top of SQLite. InstrumentStore adds Prometheus metrics
to any Store.

# Technical Details

**Buckets.**
Each collection is a root bucket. Records live in the "data" sub-bucket,
index entries of field F in the "i_F" sub-bucket.

**Record value**: header, then msgpack data, then the index keys this record
contributed. Keeping the index keys lets an overwrite delete exactly the
stale entries.

**Record header**: uvarints for flags, modification count, data size and
index size.

**Index values** are tagged: 's' followed by string bytes, 'b' followed by
raw bytes, 'm' followed by msgpack. Times use the canonical string form, see
FormatTime, so byte order equals chronological order.

**Index keys**: escaped value, 00 01, record key. Inside the value, 00 is
written as 00 FF. Keys compare by value first, then by record key, even when
values differ in length.

**Encryption.**
Encrypted entities are stored as {encryption_key_id, encrypted_data}: the
JSON attribute map encrypted with the active key and base64-encoded. The
read path never decrypts on its own; pass Keyring.Unwrap (or your own
function) as Options.Unwrap.
*/
package curator
