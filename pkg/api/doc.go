/*
Package api is the operator-facing HTTP surface of the conductor.

Deployment CRUD, node listing with capacity accounting, a server-sent event
stream of cluster changes, and per-deployment log streaming all live under
/v1. Requests are validated before any store mutation, so an invalid payload
never moves a spec revision. Writes enqueue the touched deployment for
immediate reconciliation.
*/
package api
