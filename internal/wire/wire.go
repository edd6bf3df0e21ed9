// Package wire wraps pgproto3 framing with the helpers shardbouncer's
// session and backend layers need: startup/SSL negotiation, cancel
// requests, and SQLSTATE-coded error responses.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	protocolVersion3  = 196608 // 3.0 << 16
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// StartupRequest is the result of reading the first message on a new
// frontend connection, before any protocol version is assumed.
type StartupRequest struct {
	SSLRequested    bool
	GSSEncRequested bool
	Cancel          *CancelRequest
	Params          map[string]string
}

// CancelRequest carries the fields of a PG CancelRequest message.
type CancelRequest struct {
	ProcessID uint32
	SecretKey uint32
}

// ReadStartup reads the first message a client sends: SSLRequest,
// GSSENCRequest, CancelRequest or a real StartupMessage. Mirrors the
// pre-protocol framing PostgreSQL itself uses: a 4-byte length followed
// by either a request code or a protocol version plus key/value params.
func ReadStartup(r io.Reader) (*StartupRequest, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("reading startup length: %w", err)
	}
	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen < 8 || msgLen > 1<<20 {
		return nil, fmt.Errorf("invalid startup message length: %d", msgLen)
	}
	body := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading startup body: %w", err)
	}

	code := binary.BigEndian.Uint32(body[:4])
	switch code {
	case sslRequestCode:
		return &StartupRequest{SSLRequested: true}, nil
	case gssEncRequestCode:
		return &StartupRequest{GSSEncRequested: true}, nil
	case cancelRequestCode:
		if len(body) < 12 {
			return nil, fmt.Errorf("short cancel request")
		}
		return &StartupRequest{Cancel: &CancelRequest{
			ProcessID: binary.BigEndian.Uint32(body[4:8]),
			SecretKey: binary.BigEndian.Uint32(body[8:12]),
		}}, nil
	case protocolVersion3:
		params := parseStartupParams(body[4:])
		return &StartupRequest{Params: params}, nil
	default:
		return nil, fmt.Errorf("unsupported startup protocol version: %d", code)
	}
}

func parseStartupParams(data []byte) map[string]string {
	params := map[string]string{}
	pairs := splitNullTerminated(data)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			break
		}
		params[pairs[i]] = pairs[i+1]
	}
	return params
}

func splitNullTerminated(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == 0 {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	return out
}

// WriteSSLResponse replies 'N' (TLS refused) or 'S' (TLS accepted). The
// session always refuses, and the client listener is plain TCP, so
// client connections are not encrypted.
func WriteSSLResponse(w io.Writer, accept bool) error {
	b := byte('N')
	if accept {
		b = 'S'
	}
	_, err := w.Write([]byte{b})
	return err
}

// ErrorFields builds a SQLSTATE-coded ErrorResponse using pgerrcode
// constants, the same codes real PostgreSQL backends emit.
func ErrorFields(severity, code, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	}
}

// FatalError builds a FATAL-severity ErrorResponse.
func FatalError(code, message string) *pgproto3.ErrorResponse {
	return ErrorFields("FATAL", code, message)
}

// ConnectionError builds an error response for a routing/pool failure
// (connection_exception class by default).
func ConnectionError(message string) *pgproto3.ErrorResponse {
	return ErrorFields("ERROR", pgerrcode.ConnectionException, message)
}

// AdminError builds an error response for a malformed or unknown admin verb.
func AdminError(message string) *pgproto3.ErrorResponse {
	return ErrorFields("ERROR", pgerrcode.SyntaxErrorOrAccessRuleViolation, message)
}

// WriteMessages encodes and writes a sequence of backend messages to w.
func WriteMessages(w io.Writer, msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	for _, m := range msgs {
		var err error
		buf, err = m.Encode(buf)
		if err != nil {
			return fmt.Errorf("encoding %T: %w", m, err)
		}
	}
	_, err := w.Write(buf)
	return err
}

// SendCancel opens a short-lived connection to addr and issues a
// CancelRequest for the given process/secret pair, matching how
// PostgreSQL clients cancel in-flight queries out of band.
func SendCancel(addr string, processID, secretKey uint32) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing for cancel: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], processID)
	binary.BigEndian.PutUint32(buf[12:16], secretKey)
	_, err = conn.Write(buf)
	return err
}
