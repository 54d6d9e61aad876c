/*
Package storage persists deployment records.

The Store interface is the conductor's single source of truth for desired
state. The BoltDB implementation keeps two buckets: deployments (id ->
record) and names (name -> id). Names stay reserved while a record is
tombstoned, so a delete-then-recreate with the same name is rejected until
the reconciler confirms node-side teardown and reaps the tombstone.

SpecRevision bumps only on accepted content changes (specification or
desired state); conductor-observed status writes go through UpdateStatus and
never move the revision.
*/
package storage
