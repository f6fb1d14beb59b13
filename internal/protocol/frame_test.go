package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{
			name: "message",
			frame: MessageFrame{
				UUID:            "0190cafe-0000-7000-8000-000000000001",
				TimestampMicros: 1723000000000000,
				SenderID:        "device-a",
				SenderName:      "alice",
				Content:         []byte("ciphertext"),
			},
		},
		{
			name: "sync request",
			frame: SyncRequestFrame{
				DeviceID:       "device-b",
				TCPPort:        8890,
				SinceTimestamp: 42,
			},
		},
		{
			name: "auth request",
			frame: AuthRequestFrame{
				DeviceID:              "device-c",
				DeviceName:            "carol",
				EncryptedPasswordHash: []byte{1, 2, 3},
				PublicKey:             "-----BEGIN PUBLIC KEY-----\nAAA\n-----END PUBLIC KEY-----\n",
				TCPPort:               8888,
			},
		},
		{
			name:  "auth response failure",
			frame: AuthResponseFrame{Success: false, Message: "password mismatch"},
		},
		{
			name: "password proposal",
			frame: PasswordProposalFrame{
				ProposalID:       "prop-1",
				ProposerDeviceID: "device-a",
				ProposerName:     "alice",
				Timestamp:        99,
				NewPasswordHash:  []byte{4, 5},
				NewEncryptedKey:  []byte{6, 7},
				KeySalt:          []byte("device-a"),
				RequiredPeers:    []string{"device-a", "device-b"},
			},
		},
		{
			name:  "password vote",
			frame: PasswordVoteFrame{ProposalID: "prop-1", VoterDeviceID: "device-b", VoterName: "bob", Vote: true},
		},
		{
			name:  "typing indicator",
			frame: TypingIndicatorFrame{DeviceID: "device-a", DeviceName: "alice"},
		},
		{
			name:  "name change",
			frame: NameChangeFrame{DeviceID: "device-a", NewName: "alice2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			line, err := Encode(tc.frame)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			// Every line must carry the discriminator
			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				t.Fatalf("encoded line is not valid JSON: %v", err)
			}
			if env.Type == "" {
				t.Fatal("encoded line has no type discriminator")
			}

			decoded, err := Decode(line)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			got, _ := json.Marshal(decoded)
			want, _ := json.Marshal(tc.frame)
			if !bytes.Equal(got, want) {
				t.Errorf("round trip mismatch:\n got %s\nwant %s", got, want)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"file_transfer","name":"x"}`))
	if !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("expected ErrUnknownFrame, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	malformed := []string{
		"not json at all",
		`{"type":`,
		`[1,2,3]`,
		`{"type":"message","timestamp_micros":"not a number"}`,
	}
	for _, line := range malformed {
		if _, err := Decode([]byte(line)); err == nil {
			t.Errorf("expected error decoding %q", line)
		}
	}
}

func TestEncodeSizeBoundary(t *testing.T) {
	// Find the serialized overhead of a message frame with empty content,
	// then pad the sender name so the full line lands exactly on the cap.
	base := MessageFrame{
		UUID:            "0190cafe-0000-7000-8000-000000000001",
		TimestampMicros: 1723000000000000,
		SenderID:        "device-a",
		SenderName:      "",
		Content:         nil,
	}
	empty, err := Encode(base)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	pad := MaxFrameSize - len(empty)

	base.SenderName = strings.Repeat("x", pad)
	line, err := Encode(base)
	if err != nil {
		t.Fatalf("frame of exactly %d bytes should be accepted: %v", MaxFrameSize, err)
	}
	if len(line) != MaxFrameSize {
		t.Fatalf("expected %d bytes, got %d", MaxFrameSize, len(line))
	}

	base.SenderName = strings.Repeat("x", pad+1)
	if _, err := Encode(base); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("frame of %d bytes should be rejected, got %v", MaxFrameSize+1, err)
	}
}

func TestEncodeMaxLengthMessageFits(t *testing.T) {
	// AES-GCM prepends a 12-byte nonce and appends a 16-byte tag, so a
	// 10 KiB body produces this much ciphertext; base64 inside the JSON
	// grows it further. The cap must still admit the frame or a message
	// at the content limit could never be sent.
	ciphertext := make([]byte, 10*1024+28)
	for i := range ciphertext {
		ciphertext[i] = byte(i)
	}
	frame := MessageFrame{
		UUID:            "0190cafe-0000-7000-8000-000000000001",
		TimestampMicros: 1723000000000000,
		SenderID:        "0190cafe-0000-7000-8000-000000000002",
		SenderName:      strings.Repeat("n", 64),
		Content:         ciphertext,
	}
	line, err := Encode(frame)
	if err != nil {
		t.Fatalf("max-length message frame must encode: %v", err)
	}
	if len(line) > MaxFrameSize {
		t.Fatalf("encoded length %d exceeds the cap %d", len(line), MaxFrameSize)
	}
}
