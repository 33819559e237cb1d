package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payload := &NodeIdentifyPayload{
		SubjectName:  "site-berlin-041",
		Thumbprint:   "ab12",
		SerialNumber: "123456789",
		PublicKey:    bytes.Repeat([]byte{0x01}, 32),
		Nonce:        bytes.Repeat([]byte{0x02}, 32),
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// The kind tag must be on the wire.
	if !strings.Contains(string(data), `"kind":"node_identify"`) {
		t.Errorf("encoded payload missing kind tag: %s", data)
	}

	var got NodeIdentifyPayload
	if err := Decode(data, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if got.SubjectName != payload.SubjectName {
		t.Errorf("SubjectName = %q, want %q", got.SubjectName, payload.SubjectName)
	}
	if !bytes.Equal(got.PublicKey, payload.PublicKey) {
		t.Error("PublicKey does not round-trip")
	}
	if !got.Timestamp.Equal(payload.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, payload.Timestamp)
	}
}

func TestDecode_RejectsMismatchedKind(t *testing.T) {
	// A challenge-response handler must refuse an identify payload.
	data, err := Encode(&NodeIdentifyPayload{SubjectName: "site-a"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var wrong ChallengeResponsePayload
	if err := Decode(data, &wrong); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("Decode into wrong type: error = %v, want ErrKindMismatch", err)
	}
}

func TestDecode_RejectsMissingKind(t *testing.T) {
	var p NodeIdentifyPayload
	if err := Decode([]byte(`{"subjectName":"x"}`), &p); !errors.Is(err, ErrKindMismatch) {
		t.Errorf("Decode without kind: error = %v, want ErrKindMismatch", err)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	var p NodeIdentifyPayload
	if err := Decode([]byte(`{not json`), &p); err == nil {
		t.Error("Decode of malformed JSON should fail")
	}
}

func TestBinaryFieldsBase64(t *testing.T) {
	env := &EncryptedEnvelope{
		ChannelID:  "ch-1",
		IV:         bytes.Repeat([]byte{0xAA}, 12),
		Ciphertext: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Tag:        bytes.Repeat([]byte{0xBB}, 16),
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Binary fields must be base64 strings on the wire, not number arrays.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal raw error = %v", err)
	}
	if _, ok := raw["iv"].(string); !ok {
		t.Errorf("iv is %T on the wire, want base64 string", raw["iv"])
	}
	if raw["ciphertext"] != "3q2+7w==" {
		t.Errorf("ciphertext = %v, want std base64 %q", raw["ciphertext"], "3q2+7w==")
	}

	var got EncryptedEnvelope
	if err := Decode(data, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got.Ciphertext, env.Ciphertext) {
		t.Error("ciphertext does not round-trip")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	valid := EncryptedEnvelope{
		ChannelID:  "ch-1",
		IV:         make([]byte, 12),
		Ciphertext: []byte("x"),
		Tag:        make([]byte, 16),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() on valid envelope error = %v", err)
	}

	tests := []struct {
		name string
		mod  func(e *EncryptedEnvelope)
	}{
		{"missing channel", func(e *EncryptedEnvelope) { e.ChannelID = "" }},
		{"short iv", func(e *EncryptedEnvelope) { e.IV = e.IV[:11] }},
		{"short tag", func(e *EncryptedEnvelope) { e.Tag = e.Tag[:15] }},
		{"nil iv", func(e *EncryptedEnvelope) { e.IV = nil }},
	}

	for _, tt := range tests {
		e := valid
		tt.mod(&e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: Validate() should fail", tt.name)
		}
	}
}

func TestCallError(t *testing.T) {
	err := &CallError{Code: CodeSessionExpired, Message: "token past expiry"}
	if err.Error() != "session_expired: token past expiry" {
		t.Errorf("Error() = %q", err.Error())
	}

	bare := &CallError{Code: CodeInternal}
	if bare.Error() != "internal" {
		t.Errorf("Error() = %q, want %q", bare.Error(), "internal")
	}
}

func TestCallError_ChannelFatal(t *testing.T) {
	tests := []struct {
		code  ErrorCode
		fatal bool
	}{
		{CodeChannelInvalid, true},
		{CodeChannelExpired, true},
		{CodeSessionExpired, false},
		{CodeSessionInvalid, false},
		{CodeUnauthorized, false},
		{CodeBadRequest, false},
		{CodeInternal, false},
	}

	for _, tt := range tests {
		e := &CallError{Code: tt.code}
		if e.ChannelFatal() != tt.fatal {
			t.Errorf("ChannelFatal(%s) = %v, want %v", tt.code, e.ChannelFatal(), tt.fatal)
		}
	}
}

func TestInvokePath(t *testing.T) {
	if got := InvokePath("profile/get"); got != "/api/v1/invoke/profile/get" {
		t.Errorf("InvokePath() = %q", got)
	}
}

func TestCallResultRoundTrip(t *testing.T) {
	res := &CallResult{
		OK:    false,
		Error: &CallError{Code: CodeUnauthorized, Message: "bad credentials"},
	}

	data, err := Encode(res)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got CallResult
	if err := Decode(data, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.OK {
		t.Error("OK = true, want false")
	}
	if got.Error == nil || got.Error.Code != CodeUnauthorized {
		t.Errorf("Error = %+v, want unauthorized", got.Error)
	}
}
