/*
Package events distributes cluster state change notifications.

The broker backs the HTTP snapshot stream: every deployment transition and
node liveness change is published here and fanned out to subscribers. Each
subscriber has a bounded buffer; a slow consumer drops events rather than
stalling the conductor, and is expected to recover by requesting a fresh
cluster snapshot.
*/
package events
