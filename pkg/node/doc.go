/*
Package node is the worker process.

The agent holds one persistent stream to the conductor, reconnecting with
exponential backoff; workloads keep running across reconnects and the
conductor resynchronizes from the first status report of the new session.

The supervisor executes deployment commands with a per-deployment revision
gate: anything at or below the acked revision is ignored, except STOP and
CANCEL which always apply. Each deployment runs as an OS process in its own
process group, its output captured line by line into a bounded ring and
forwarded upstream only while someone is watching.
*/
package node
