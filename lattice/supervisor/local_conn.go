package supervisor

import "context"

// FrameHandler answers one control frame directly, without a network
// hop. Providers compiled into the same binary (or test doubles) use
// this instead of a websocket round trip.
type FrameHandler func(ctx context.Context, frame ControlFrame) ControlAck

// LocalConn is a ControlConn backed by a FrameHandler running in the
// same process. Grounded on the teacher's in-process test-double
// pattern (a fake transport satisfying the same interface as the real
// network client) already used for lattice/fabric and lattice/store
// tests.
type LocalConn struct {
	handler FrameHandler
}

// NewLocalConn wraps handler as a ControlConn.
func NewLocalConn(handler FrameHandler) *LocalConn {
	return &LocalConn{handler: handler}
}

func (c *LocalConn) Send(ctx context.Context, frame ControlFrame) (ControlAck, error) {
	return c.handler(ctx, frame), nil
}

func (c *LocalConn) Close() error { return nil }
