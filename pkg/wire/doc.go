/*
Package wire defines the framed message protocol spoken on the persistent
node <-> conductor stream.

Every message is a Frame: a kind tag plus a JSON payload, carried as one
websocket message over the mutually-authenticated stream. Frames on a single
session are processed in arrival order.

	node -> conductor            conductor -> node
	─────────────────            ─────────────────
	node_hello                   deployment_req (START/UPDATE/STOP)
	heartbeat                    deployment_cancel
	deployment_status_list       pong
	log_batch                    log_subscribe / log_unsubscribe

The first frame on a session must be node_hello; anything else terminates
the session. Malformed frames are fatal for the session that sent them.
*/
package wire
