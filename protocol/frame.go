// Package protocol implements the framing shared by hosts, gateways and clients.
//
// A frame is
//
//	uvarint(len) | flags | uvarint(command) | uvarint(len(txid)) | txid | payload
//
// where len counts every byte after itself. Bit 0 of flags marks an lz4 compressed payload. A connection to a host
// carries exactly one request frame and one Reply frame; a gateway connection carries any number of them.
package protocol

import (
	"io"

	"github.com/multiformats/go-varint"
	"github.com/pingcap/errors"
)

const flagCompressed byte = 1 << 0

// DefaultMaxFrameSize bounds the frames a peer accepts when nothing else is configured.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is a frame whose announced size is over the reader's limit.
var ErrFrameTooLarge = errors.New("frame too large")

// ErrMalformedFrame is a frame whose header can't be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the unit exchanged over a connection.
type Envelope struct {
	Command       Command
	TransactionID string
	Payload       []byte
}

// Reader is what ReadEnvelope needs, bufio.Reader is the usual one.
type Reader interface {
	io.Reader
	io.ByteReader
}

// WriteEnvelope writes env as one frame. Payloads of at least compressThreshold bytes are compressed when that saves
// space, a threshold <= 0 disables compression.
func WriteEnvelope(w io.Writer, env *Envelope, compressThreshold int) error {
	payload := env.Payload
	var flags byte
	if compressThreshold > 0 && len(payload) >= compressThreshold {
		if compressed := lz4Compress(payload); compressed != nil {
			payload = compressed
			flags |= flagCompressed
		}
	}

	txnID := env.TransactionID
	bodyLen := 1 +
		varint.UvarintSize(uint64(env.Command)) +
		varint.UvarintSize(uint64(len(txnID))) + len(txnID) +
		len(payload)

	buf := make([]byte, 0, varint.UvarintSize(uint64(bodyLen))+bodyLen)
	buf = append(buf, varint.ToUvarint(uint64(bodyLen))...)
	buf = append(buf, flags)
	buf = append(buf, varint.ToUvarint(uint64(env.Command))...)
	buf = append(buf, varint.ToUvarint(uint64(len(txnID)))...)
	buf = append(buf, txnID...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return errors.Trace(err)
}

// ReadEnvelope reads one frame. A frame larger than maxFrameSize is rejected before its body is read. io.EOF is
// returned unchanged when the peer closed the connection between frames.
func ReadEnvelope(r Reader, maxFrameSize int) (*Envelope, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Trace(err)
	}
	if size == 0 {
		return nil, errors.Annotate(ErrMalformedFrame, "empty frame")
	}
	if size > uint64(maxFrameSize) {
		return nil, errors.Annotatef(ErrFrameTooLarge, "%d bytes, limit %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, errors.Trace(err)
	}
	return decodeBody(body, maxFrameSize)
}

func decodeBody(body []byte, maxFrameSize int) (*Envelope, error) {
	flags := body[0]
	rest := body[1:]

	command, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedFrame, "command: %v", err)
	}
	rest = rest[n:]

	txnLen, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedFrame, "transaction id length: %v", err)
	}
	rest = rest[n:]
	if txnLen > uint64(len(rest)) {
		return nil, errors.Annotatef(ErrMalformedFrame, "transaction id of %d bytes in %d remaining", txnLen, len(rest))
	}

	env := &Envelope{
		Command:       Command(command),
		TransactionID: string(rest[:txnLen]),
		Payload:       rest[txnLen:],
	}
	if flags&flagCompressed != 0 {
		if env.Payload, err = lz4Decompress(env.Payload, maxFrameSize); err != nil {
			return nil, err
		}
	}
	return env, nil
}
