package client

import "time"

// Entry is implemented by items the reconciliation cache manages.
//
// ItemID is the durable identity: server-assigned for confirmed items, a
// locally minted placeholder for optimistic ones. CorrelationID links the
// two lives of one request (the client echoes it on the optimistic insert,
// the server on the confirmed item); empty when the item never had one.
// SemanticKey is the content identity used to confirm optimistic items
// when no correlation id is available, e.g. the prompt text; empty opts
// out of semantic matching. SortTime orders the cache.
type Entry interface {
	ItemID() string
	CorrelationID() string
	SemanticKey() string
	SortTime() time.Time
}
