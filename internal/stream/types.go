// Package stream holds the shared vocabulary between the receiver tracker and
// the receiver agents it launches.
//
// Ownership boundary:
// - stream identity and block references
// - receiver and handle contracts
// - the endpoint a running receiver reports through
//
// Nothing in this package runs goroutines of its own.
package stream

import (
	"context"
	"fmt"
)

// ID identifies one logical input stream. Ids are fixed when the tracker is built.
type ID int

func (id ID) String() string {
	return fmt.Sprintf("stream.%d", int(id))
}

// BlockRef is an opaque reference to one stored block of received data.
type BlockRef string

// Handle is an addressable reference to a running receiver agent.
type Handle interface {
	// Stop asks the receiver to cease producing blocks. It must not block.
	Stop(reason string)
	// Address describes where the receiver can be reached.
	Address() string
}

// Endpoint is the tracker's inbox as seen from a running receiver.
type Endpoint interface {
	Register(ctx context.Context, id ID, handle Handle, origin string) (bool, error)
	ReportBlocks(ctx context.Context, id ID, refs []BlockRef, metadata any) error
	Deregister(ctx context.Context, id ID, reason string) error
}

// Receiver is a long-running ingestion agent bound to exactly one stream.
type Receiver interface {
	SetStreamID(id ID)
	StreamID() ID
	// PreferredLocation names the worker this receiver wants to run on, or "".
	PreferredLocation() string
	// Start runs the receiver until it is stopped or ctx is done.
	Start(ctx context.Context, ep Endpoint) error
	Stop(reason string)
}

// MetadataSink accepts the opaque metadata attached to reported blocks.
type MetadataSink interface {
	AddMetadata(metadata any)
}

// InputStream is the read-only stream definition the tracker is built from.
type InputStream interface {
	MetadataSink
	ID() ID
	Name() string
	NewReceiver() Receiver
}

type originKey struct{}

// WithOrigin records the worker a receiver was launched on.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFromContext returns the worker recorded by WithOrigin, or "".
func OriginFromContext(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
