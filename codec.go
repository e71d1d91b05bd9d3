package sockchan

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Packet is a Message holding raw bytes.
type Packet []byte

// Length returns the length of the message body.
func (p Packet) Length() int { return len(p) }

// Body returns the raw message data.
func (p Packet) Body() []byte { return p }

// lengthFieldSize is the size of the LengthFieldCodec header.
const lengthFieldSize = 4

// LengthFieldCodec frames each message as a 4-byte big-endian body length
// followed by the body. Decoded messages are Packets.
//
// MaxLength caps the body length accepted by Decode. Zero means 1MB.
type LengthFieldCodec struct {
	MaxLength int
}

// sizeLimiter is implemented by readers that know how many bytes they will
// still hand out for the current message.
type sizeLimiter interface {
	remainingBytes() int64
}

// Decode reads one frame. It returns io.EOF or io.ErrUnexpectedEOF when r
// holds less than a full frame, and ErrMessageTooLarge when the header
// announces a body longer than MaxLength or than r is allowed to deliver.
// The length is checked before any body buffer is allocated.
func (c LengthFieldCodec) Decode(r io.Reader) (Message, error) {
	var header [lengthFieldSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int64(binary.BigEndian.Uint32(header[:]))
	limit := int64(c.MaxLength)
	if limit <= 0 {
		limit = defaultMaxPackageLength
	}
	if size > limit {
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds %d", size, limit)
	}
	if l, ok := r.(sizeLimiter); ok && size > l.remainingBytes() {
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes exceeds the read limit", size)
	}

	// CopyN grows the buffer with the data actually present, so a truncated
	// frame costs only what has arrived.
	var body bytes.Buffer
	if _, err := io.CopyN(&body, r, size); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Packet(body.Bytes()), nil
}

// Encode prefixes the message body with its length.
func (LengthFieldCodec) Encode(msg Message) ([]byte, error) {
	body := msg.Body()
	out := make([]byte, lengthFieldSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[lengthFieldSize:], body)
	return out, nil
}

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

func (l *limitedReader) remainingBytes() int64 { return l.remaining }

// reset points the reader at r with a fresh limit for the next message.
func (l *limitedReader) reset(r io.Reader, limit int64) {
	l.r = r
	l.remaining = limit
}

// decodeStage turns raw byte units into decoded messages.
type decodeStage struct {
	codec   Codec
	opts    options
	pending []byte
	reader  *bytes.Reader
	limited *limitedReader
}

// DecodeStage returns a Stage that accumulates inbound bytes and decodes
// them with codec, passing each complete message downstream. Only
// MessageMaxSize and OnErrorOption are consulted from opt.
func DecodeStage(codec Codec, opt ...Option) Stage {
	opts := newOptions(opt...)
	reader := bytes.NewReader(nil)
	return &decodeStage{
		codec:   codec,
		opts:    opts,
		reader:  reader,
		limited: newLimitedReader(reader, int64(opts.maxReadLength)),
	}
}

func (d *decodeStage) Read(sc *StageContext, msg any) {
	data, ok := msg.([]byte)
	if !ok {
		sc.FireRead(msg)
		return
	}
	d.pending = append(d.pending, data...)

	for len(d.pending) > 0 {
		d.reader.Reset(d.pending)
		d.limited.reset(d.reader, int64(d.opts.maxReadLength))

		m, err := d.codec.Decode(d.limited)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		if err != nil {
			d.opts.logger.Debug("decode error", "error", err.Error())
			d.pending = nil
			if d.opts.onError(err) == Disconnect {
				sc.FireError(errors.Wrap(err, "decode"))
			}
			return
		}

		consumed := len(d.pending) - d.reader.Len()
		if consumed <= 0 {
			d.pending = nil
			sc.FireError(errors.New("decode: codec consumed no input"))
			return
		}
		d.pending = d.pending[consumed:]
		sc.FireRead(m)
	}
	d.pending = nil
}

func (d *decodeStage) Inactive(sc *StageContext) {
	d.pending = nil
	sc.FireInactive()
}

func (d *decodeStage) Error(sc *StageContext, err error) {
	sc.FireError(err)
}
