/*
Package epochkv provides a multi-versioned LSM-tree storage engine that keeps
its data on an object store.

Writes are tagged with the open write epoch. Flush seals the epoch, writes
its data as level-0 SSTables and commits a version delta; from then on the
epoch is readable. Background compaction rewrites the levels of every
compaction group independently and never changes what a read at an already
committed epoch returns.

# Snapshots

Every read pins an epoch together with the version current at that time.
Tables referenced by a pinned version are not deleted until the pin is
released, so a read observes the same data no matter which compactions
commit while it runs. GetSnapshot pins an epoch for repeated reads.

# Compaction groups

The key space is partitioned into compaction groups, each with its own
levels and tunables. The default group owns every key that no other group
claims. CreateCompactionGroup and MoveKeyRange change the partition without
rewriting data.

# Cluster control

Pause stops epoch advancement and data commits until Resume. Reads and
compaction configuration changes keep working while paused.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Individual Iterator
instances are not safe for concurrent use; each goroutine should use its
own iterator.
*/
package epochkv
