/*
Package conductor is the control plane process.

Nodes dial the session listener over mutual TLS and keep one persistent
websocket stream each. The first frame must be a NodeHello; after that the
session pumps heartbeats, status reports and log batches inbound, and
deployment commands outbound through a bounded per-session queue. A node
that cannot keep up with its queue is disconnected and treated like any
other lost node.

The Conductor type wires the store, registry, capacity ledger, scheduler,
reconciler, event broker and HTTP API together and owns their lifecycle.
*/
package conductor
