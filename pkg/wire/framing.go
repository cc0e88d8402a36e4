package wire

import (
	"bufio"
	"fmt"
	"io"
)

// maxRecordBytes caps a single record. The largest legitimate record is a
// logs response page (4 chats of at most ~300 bytes each); anything past the
// cap is garbage and closes the socket.
const maxRecordBytes = 8192

// Reader decodes newline-framed records from a stream. It is not safe for
// concurrent use; every socket has exactly one reading goroutine.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for record-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine returns the next record without its line terminator. It accepts
// both LF and CRLF framing and fails with ErrMalformed when a record
// exceeds maxRecordBytes.
func (r *Reader) ReadLine() (string, error) {
	var buf []byte
	for {
		frag, isPrefix, err := r.br.ReadLine()
		if err != nil {
			return "", err
		}
		if len(buf)+len(frag) > maxRecordBytes {
			return "", fmt.Errorf("%w: record exceeds %d bytes", ErrMalformed, maxRecordBytes)
		}
		buf = append(buf, frag...)
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// ReadOp reads and parses one operation record.
func (r *Reader) ReadOp() (Op, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Op{}, err
	}
	return ParseOp(line)
}

// ReadResponse reads and parses one response record.
func (r *Reader) ReadResponse() (Response, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(line)
}

// WriteLine writes one record with its line terminator in a single Write
// call, so concurrent writers that serialize per record (the peer mesh does)
// never interleave partial frames.
func WriteLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

// WriteOp marshals and writes one operation record.
func WriteOp(w io.Writer, o Op) error {
	line, err := o.Marshal()
	if err != nil {
		return err
	}
	return WriteLine(w, line)
}

// WriteResponse marshals and writes one response record.
func WriteResponse(w io.Writer, r Response) error {
	line, err := r.Marshal()
	if err != nil {
		return err
	}
	return WriteLine(w, line)
}
