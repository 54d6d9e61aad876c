/*
Package capacity implements the conductor's capacity ledger.

Each connected node declares an immutable total vector for the session; the
ledger tracks the reserved vector and derives available = total - reserved.
TryReserve is all-or-nothing across every requested label, so concurrent
placements can never over-commit a node, and Release clamps at zero so every
vector entry stays within [0, total] under any interleaving.
*/
package capacity
