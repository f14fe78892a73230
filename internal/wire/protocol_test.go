package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestConnect_Envelope(t *testing.T) {
	frame, err := Connect(ProtocolSSH, ConnectPayload{Host: "h", Port: 22, Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(frame, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["type"] != "connect" || generic["protocol"] != "ssh" {
		t.Errorf("unexpected envelope: %s", frame)
	}
	data, ok := generic["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is not an object: %s", frame)
	}
	if data["host"] != "h" || data["port"] != float64(22) || data["username"] != "u" || data["password"] != "p" {
		t.Errorf("unexpected connect data: %v", data)
	}
}

func TestData_IsJSONString(t *testing.T) {
	frame, err := Data([]byte("ls -la\r"))
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if string(frame) != `{"type":"data","data":"ls -la\r"}` {
		t.Errorf("unexpected frame %s", frame)
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, in := range []string{"not json", `{"data":"x"}`, `[]`} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestMessage_Text(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"error","data":"auth failed"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != TypeError || msg.Text() != "auth failed" {
		t.Errorf("unexpected message %+v text=%q", msg, msg.Text())
	}

	msg, _ = Decode([]byte(`{"type":"error","data":{"code":7}}`))
	if msg.Text() != `{"code":7}` {
		t.Errorf("expected raw JSON text, got %q", msg.Text())
	}

	msg, _ = Decode([]byte(`{"type":"connected"}`))
	if msg.Text() != "" {
		t.Errorf("expected empty text, got %q", msg.Text())
	}
}

func TestMessage_ResizeDefaults(t *testing.T) {
	msg, _ := Decode([]byte(`{"type":"resize","data":{"cols":132}}`))
	p, err := msg.ResizePayload()
	if err != nil {
		t.Fatalf("ResizePayload: %v", err)
	}
	if p.Cols != 132 || p.Rows != DefaultRows {
		t.Errorf("unexpected payload %+v", p)
	}

	msg, _ = Decode([]byte(`{"type":"resize","data":"wide"}`))
	if _, err := msg.ResizePayload(); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestMessage_ConnectPayloadMissing(t *testing.T) {
	msg, _ := Decode([]byte(`{"type":"connect"}`))
	if _, err := msg.ConnectPayload(); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestProtocol_DefaultPort(t *testing.T) {
	if ProtocolSSH.DefaultPort() != 22 || ProtocolTelnet.DefaultPort() != 23 {
		t.Error("unexpected default ports")
	}
	if Protocol("rdp").Valid() {
		t.Error("rdp should not be valid")
	}
}
