package sockchan

import (
	"context"
	"io"
)

// Message is the interface for messages transmitted over the connection.
// Implementations should provide the message length and body.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec is the interface for message encoding and decoding.
// Applications should implement this interface to define their own
// message serialization format (e.g., JSON, Protocol Buffers, etc.).
//
// Decode is handed a reader over the bytes received so far. It must read
// exactly the bytes of one message; returning io.EOF or io.ErrUnexpectedEOF
// tells the decode stage to wait for more input.
type Codec interface {
	// Decode reads and decodes a complete message from the reader.
	Decode(r io.Reader) (Message, error)
	// Encode encodes a Message into raw bytes for transmission.
	Encode(Message) ([]byte, error)
}

// Session consumes decoded inbound messages for one connection.
//
// Receive always runs on the connection's loop. A non-nil error fails
// the channel.
type Session interface {
	Receive(ctx context.Context, msg Message) error
}

// SessionFunc adapts a function to the Session interface.
type SessionFunc func(ctx context.Context, msg Message) error

// Receive calls f(ctx, msg).
func (f SessionFunc) Receive(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// SessionFactory builds the session for a freshly installed channel.
// Construction may complete asynchronously.
type SessionFactory func(ch *Channel) *Future[Session]

// Initializer configures protocol stages (typically a DecodeStage) on the
// pipeline before message dispatch begins. It runs once per connection.
type Initializer func(p *Pipeline) error

// Releaser is implemented by inbound units that hold pooled resources.
// Units that are discarded instead of delivered are released.
type Releaser interface {
	Release()
}

// release frees msg if it holds resources.
func release(msg any) {
	if r, ok := msg.(Releaser); ok {
		r.Release()
	}
}
