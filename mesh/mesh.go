// Package mesh implements a serverless multi-device kanban core.
//
// Several devices grouped under one master identity maintain a shared
// board without a server of record. Every edit is a signed, immutable
// operation; the board is always a derived projection of the full
// operation set replayed in a deterministic total order. Replicas
// converge by exchanging operation sets over any reliable ordered
// channel (set union is the only merge operator).
package mesh

import (
	"time"

	"github.com/oklog/ulid/v2"
)

const ProtocolVersion = 1

// NewId returns a new ULID string. ULIDs sort lexicographically by
// creation time, which keeps the total order tie break stable across
// devices.
func NewId() string {
	return ulid.Make().String()
}

// NowMilli is the device-local wall clock in milliseconds. It is not a
// trusted global order by itself; see OrderKey.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
