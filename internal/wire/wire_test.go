package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

func encodeStartupParams(params map[string]string) []byte {
	var body []byte
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[4:8], protocolVersion3)
	msg = append(msg, body...)
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)))
	return msg
}

func TestReadStartupParsesParams(t *testing.T) {
	buf := bytes.NewReader(encodeStartupParams(map[string]string{"user": "app", "database": "orders"}))
	req, err := ReadStartup(buf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Params["user"] != "app" || req.Params["database"] != "orders" {
		t.Errorf("unexpected params: %+v", req.Params)
	}
	if req.SSLRequested || req.GSSEncRequested || req.Cancel != nil {
		t.Error("expected a plain startup message")
	}
}

func TestReadStartupSSLRequest(t *testing.T) {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[0:4], 8)
	binary.BigEndian.PutUint32(msg[4:8], sslRequestCode)

	req, err := ReadStartup(bytes.NewReader(msg))
	if err != nil {
		t.Fatal(err)
	}
	if !req.SSLRequested {
		t.Error("expected SSLRequested")
	}
}

func TestReadStartupCancelRequest(t *testing.T) {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[0:4], 16)
	binary.BigEndian.PutUint32(msg[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:12], 555)
	binary.BigEndian.PutUint32(msg[12:16], 777)

	req, err := ReadStartup(bytes.NewReader(msg))
	if err != nil {
		t.Fatal(err)
	}
	if req.Cancel == nil || req.Cancel.ProcessID != 555 || req.Cancel.SecretKey != 777 {
		t.Errorf("unexpected cancel request: %+v", req.Cancel)
	}
}

func TestReadStartupRejectsUnknownProtocol(t *testing.T) {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint32(msg[0:4], 8)
	binary.BigEndian.PutUint32(msg[4:8], 123456)

	if _, err := ReadStartup(bytes.NewReader(msg)); err == nil {
		t.Fatal("expected error for unsupported protocol version")
	}
}

func TestWriteSSLResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSSLResponse(&buf, false); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "N" {
		t.Errorf("expected 'N', got %q", buf.String())
	}

	buf.Reset()
	if err := WriteSSLResponse(&buf, true); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "S" {
		t.Errorf("expected 'S', got %q", buf.String())
	}
}

func TestFatalErrorUsesGivenCode(t *testing.T) {
	e := FatalError(pgerrcode.InvalidAuthorizationSpecification, "bad password")
	if e.Severity != "FATAL" || e.Code != pgerrcode.InvalidAuthorizationSpecification || e.Message != "bad password" {
		t.Errorf("unexpected error fields: %+v", e)
	}
}

func TestConnectionErrorAndAdminErrorCodes(t *testing.T) {
	ce := ConnectionError("no route")
	if ce.Code != pgerrcode.ConnectionException {
		t.Errorf("expected connection_exception code, got %s", ce.Code)
	}
	ae := AdminError("bad verb")
	if ae.Code != pgerrcode.SyntaxErrorOrAccessRuleViolation {
		t.Errorf("expected syntax error code, got %s", ae.Code)
	}
}

func TestWriteMessagesEncodesInOrder(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessages(&buf, &pgproto3.ReadyForQuery{TxStatus: 'I'}, &pgproto3.ErrorResponse{Severity: "ERROR", Message: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty encoded output")
	}
}

func TestSendCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		buf := make([]byte, 16)
		if _, err := readFull(nc, buf); err == nil {
			received <- buf
		}
	}()

	if err := SendCancel(ln.Addr().String(), 111, 222); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	buf := <-received
	if binary.BigEndian.Uint32(buf[8:12]) != 111 || binary.BigEndian.Uint32(buf[12:16]) != 222 {
		t.Errorf("unexpected cancel request bytes: %v", buf)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
