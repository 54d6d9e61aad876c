/*
Package config loads and validates the YAML configuration for both Symphony
roles. A single file drives either process; the mode key selects which
section is consulted:

	mode: node
	logging:
	  level: info
	  json: true
	node:
	  node_id: n1
	  conductor_addr: conductor.example:50051
	  groups: [gpu]
	  capacities_total:
	    A: 10
	  heartbeat_sec: 3

Validation failures name the missing key. Heartbeat intervals are clamped to
the recognized 1-30s range.
*/
package config
