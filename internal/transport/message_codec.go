package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/i5heu/samizdat/pkg/interfaces"
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024

	// responseHeaderSize is 1B error flag + 4B payload length.
	responseHeaderSize = 5
	maxErrorLen        = 64 * 1024
	maxMetadataEntries = 64
)

const maxUint32 = ^uint32(0)

func lenToUint32(value int) (uint32, error) { // A
	if value < 0 || uint64(value) > uint64(maxUint32) {
		return 0, fmt.Errorf("length out of uint32 range: %d", value)
	}
	// #nosec G115 -- bounds are validated just above.
	return uint32(value), nil
}

// WriteMessage writes a request frame:
// [4B type big-endian][4B payload length big-endian][payload].
func WriteMessage(w io.Writer, msg interfaces.Message) error { // A
	if len(msg.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %dMB limit", maxPayloadMB)
	}
	if msg.Type <= 0 || int64(msg.Type) > int64(maxUint32) {
		return fmt.Errorf("message type out of range: %d", msg.Type)
	}
	payloadLen, err := lenToUint32(len(msg.Payload))
	if err != nil {
		return err
	}
	var hdr [headerSize]byte
	// #nosec G115 -- range checked above.
	binary.BigEndian.PutUint32(hdr[:4], uint32(msg.Type))
	binary.BigEndian.PutUint32(hdr[4:], payloadLen)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return writeBytes(w, msg.Payload)
}

// ReadMessage reads a frame written by WriteMessage.
func ReadMessage(r io.Reader) (interfaces.Message, error) { // A
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return interfaces.Message{}, fmt.Errorf("read header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > maxPayload {
		return interfaces.Message{}, fmt.Errorf(
			"payload length %d exceeds %dMB limit",
			payloadLen,
			maxPayloadMB,
		)
	}
	payload, err := readN(r, int(payloadLen))
	if err != nil {
		return interfaces.Message{}, err
	}
	return interfaces.Message{
		Type:    interfaces.MessageType(binary.BigEndian.Uint32(hdr[:4])),
		Payload: payload,
	}, nil
}

// WriteResponse writes one response frame:
//
//	[1B error flag: 0=ok, 1=error]
//	[4B payload length][payload]
//	[4B error length][error message]   (only if flag=1)
//	[4B metadata entry count]
//	  per entry: [4B key length][key][4B value length][value]
//
// Metadata keys are sorted so equal responses encode
// identically.
func WriteResponse(w io.Writer, resp interfaces.Response) error { // A
	if len(resp.Payload) > maxPayload {
		return fmt.Errorf("response payload exceeds %dMB limit", maxPayloadMB)
	}
	payloadLen, err := lenToUint32(len(resp.Payload))
	if err != nil {
		return err
	}
	var hdr [responseHeaderSize]byte
	if resp.Error != nil {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:], payloadLen)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}
	if err := writeBytes(w, resp.Payload); err != nil {
		return err
	}
	if resp.Error != nil {
		if err := writeLenPrefixed(w, []byte(resp.Error.Error())); err != nil {
			return err
		}
	}

	count, err := lenToUint32(len(resp.Metadata))
	if err != nil {
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], count)
	if _, err := w.Write(countBuf[:]); err != nil {
		return fmt.Errorf("write metadata count: %w", err)
	}
	keys := make([]string, 0, len(resp.Metadata))
	for k := range resp.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeLenPrefixed(w, []byte(k)); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, []byte(resp.Metadata[k])); err != nil {
			return err
		}
	}
	return nil
}

// ReadResponse reads a frame written by WriteResponse. A
// clean end of stream before the first byte is reported as
// io.EOF so callers can detect the end of a streamed answer.
func ReadResponse(r io.Reader) (interfaces.Response, error) { // A
	var hdr [responseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return interfaces.Response{}, io.EOF
		}
		return interfaces.Response{}, fmt.Errorf("read response header: %w", err)
	}
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > maxPayload {
		return interfaces.Response{}, fmt.Errorf(
			"response payload %d exceeds %dMB limit",
			payloadLen,
			maxPayloadMB,
		)
	}
	payload, err := readN(r, int(payloadLen))
	if err != nil {
		return interfaces.Response{}, err
	}

	var respErr error
	if hdr[0] == 1 {
		msg, err := readLenPrefixed(r, maxErrorLen)
		if err != nil {
			return interfaces.Response{}, err
		}
		respErr = errors.New(string(msg))
	}

	md, err := readMetadata(r)
	if err != nil {
		return interfaces.Response{}, err
	}
	return interfaces.Response{
		Payload:  payload,
		Error:    respErr,
		Metadata: md,
	}, nil
}

func readMetadata(r io.Reader) (map[string]string, error) { // A
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("read metadata count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count == 0 {
		return nil, nil
	}
	if count > maxMetadataEntries {
		return nil, fmt.Errorf("metadata count %d exceeds %d", count, maxMetadataEntries)
	}
	md := make(map[string]string, count)
	for range count {
		k, err := readLenPrefixed(r, maxErrorLen)
		if err != nil {
			return nil, err
		}
		v, err := readLenPrefixed(r, maxErrorLen)
		if err != nil {
			return nil, err
		}
		md[string(k)] = string(v)
	}
	return md, nil
}

func writeBytes(w io.Writer, data []byte) error { // A
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	return nil
}

func writeLenPrefixed(w io.Writer, data []byte) error { // A
	n, err := lenToUint32(len(data))
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	return writeBytes(w, data)
}

func readLenPrefixed(r io.Reader, limit int) ([]byte, error) { // A
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("field length %d exceeds %d", n, limit)
	}
	return readN(r, int(n))
}

func readN(r io.Reader, n int) ([]byte, error) { // A
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	return buf, nil
}
