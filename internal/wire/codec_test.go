package wire

import (
	"encoding/json"
	"testing"
)

func TestDecode_RejectsNonArray(t *testing.T) {
	_, err := Decode([]byte(`{"code":101}`))
	if err == nil {
		t.Fatal("expected error for non-array payload")
	}
}

func TestDecode_RejectsUnknownCode(t *testing.T) {
	_, err := Decode([]byte(`[999]`))
	if err == nil {
		t.Fatal("expected error for unknown action code")
	}
}

func TestDecode_RejectsEmptyFrame(t *testing.T) {
	_, err := Decode([]byte(`[]`))
	if err == nil {
		t.Fatal("expected error for empty frame")
	}
}

func TestEncodeDecodeDeclaredVersions(t *testing.T) {
	versions := []Version{{1, 0}, {2, 0}}
	payload, err := EncodeDeclaredVersions(versions)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Code != DeclaredVersions {
		t.Fatalf("expected code %d, got %d", DeclaredVersions, frame.Code)
	}
	got, err := DecodeDeclaredVersions(frame.Params)
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if len(got) != 2 || got[0] != (Version{1, 0}) || got[1] != (Version{2, 0}) {
		t.Fatalf("unexpected versions: %+v", got)
	}
}

func TestEncodeDecodeVersionChosen_NoNodeID(t *testing.T) {
	payload, err := EncodeVersionChosen(Version{1, 0}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	chosen, nodeID, err := DecodeVersionChosen(frame.Params)
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if chosen != (Version{1, 0}) {
		t.Fatalf("unexpected version: %+v", chosen)
	}
	if nodeID != nil {
		t.Fatalf("expected nil node id, got %v", *nodeID)
	}
}

func TestEncodeDecodeVersionChosen_WithNodeID(t *testing.T) {
	id := int32(42)
	payload, err := EncodeVersionChosen(Version{1, 0}, &id)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, nodeID, err := DecodeVersionChosen(frame.Params)
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if nodeID == nil || *nodeID != 42 {
		t.Fatalf("expected node id 42, got %v", nodeID)
	}
}

func TestEncodeDecodeSubscribeUnsubscribe(t *testing.T) {
	for _, tc := range []struct {
		name string
		enc  func(string) ([]byte, error)
		code int
	}{
		{"subscribe", EncodeSubscribe, Subscribe},
		{"unsubscribe", EncodeUnsubscribe, Unsubscribe},
	} {
		payload, err := tc.enc("http://example.com/mytopic")
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		frame, err := Decode(payload)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if frame.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %d", tc.name, tc.code, frame.Code)
		}
		topic, err := DecodeTopic(frame.Code, frame.Params)
		if err != nil {
			t.Fatalf("%s: decode topic: %v", tc.name, err)
		}
		if topic != "http://example.com/mytopic" {
			t.Fatalf("%s: unexpected topic %q", tc.name, topic)
		}
	}
}

func TestUnsubscribeWrongArity(t *testing.T) {
	payload, _ := json.Marshal([]interface{}{Unsubscribe, "a", "b"})
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := DecodeTopic(frame.Code, frame.Params); err == nil {
		t.Fatal("expected arity error")
	}
}

func TestEncodeDecodePublish(t *testing.T) {
	event := json.RawMessage(`{"a":"b"}`)
	payload, err := EncodePublish("http://example.com/mytopic", event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	topic, gotEvent, err := DecodePublish(frame.Params)
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if topic != "http://example.com/mytopic" {
		t.Fatalf("unexpected topic %q", topic)
	}
	if string(gotEvent) != string(event) {
		t.Fatalf("unexpected event %s", gotEvent)
	}
}

func TestNegotiateVersion_PicksSmallestMutual(t *testing.T) {
	declared := []Version{{2, 0}, {1, 0}, {1, 1}}
	supported := []Version{{1, 0}, {1, 1}}
	chosen, ok := NegotiateVersion(declared, supported)
	if !ok {
		t.Fatal("expected a mutual version")
	}
	if chosen != (Version{1, 0}) {
		t.Fatalf("expected 1.0, got %s", chosen)
	}
}

func TestNegotiateVersion_NoMutual(t *testing.T) {
	_, ok := NegotiateVersion([]Version{{2, 0}}, []Version{{1, 0}})
	if ok {
		t.Fatal("expected no mutual version")
	}
}
