package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the maximum serialized size of a single frame,
// measured before the trailing newline is appended. A message body at
// the 10 KiB content limit grows to about 14 KiB on the wire once the
// AES-GCM ciphertext is base64-encoded inside the JSON object, so the
// frame cap must sit above that or a maximum-length message could be
// stored but never delivered.
const MaxFrameSize = 16 * 1024

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnknownFrame is returned for a frame whose type discriminator
	// is not recognised
	ErrUnknownFrame = errors.New("unknown frame type")
)

// FrameType identifies the type of a wire frame
type FrameType string

const (
	TypeMessage          FrameType = "message"
	TypeSyncRequest      FrameType = "sync_request"
	TypeNameChange       FrameType = "name_change"
	TypeAuthRequest      FrameType = "auth_request"
	TypeAuthResponse     FrameType = "auth_response"
	TypeTypingIndicator  FrameType = "typing_indicator"
	TypePasswordProposal FrameType = "password_proposal"
	TypePasswordVote     FrameType = "password_vote"
)

// Frame is the tagged union of everything that travels over the TCP
// channel. Raw JSON never crosses this boundary: Decode returns a
// concrete frame value and Encode accepts one.
type Frame interface {
	frameType() FrameType
}

// MessageFrame carries one chat message. Content is the AES-GCM
// ciphertext of the UTF-8 message body under the room session key.
type MessageFrame struct {
	UUID            string `json:"uuid"`
	TimestampMicros int64  `json:"timestamp_micros"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name"`
	Content         []byte `json:"content"`
}

// SyncRequestFrame asks a peer to replay stored messages newer than
// SinceTimestamp back to DeviceID at TCPPort.
type SyncRequestFrame struct {
	DeviceID       string `json:"device_id"`
	TCPPort        int    `json:"tcp_port"`
	SinceTimestamp int64  `json:"since_timestamp"`
}

// NameChangeFrame announces a display-name change for a device.
type NameChangeFrame struct {
	DeviceID string `json:"device_id"`
	NewName  string `json:"new_name"`
}

// AuthRequestFrame initiates the join handshake. EncryptedPasswordHash
// is the requester's password hash, RSA-encrypted with the responder's
// public key. PublicKey is the requester's own key in PEM form so the
// responder can encrypt the session key for it.
type AuthRequestFrame struct {
	DeviceID              string `json:"device_id"`
	DeviceName            string `json:"device_name"`
	EncryptedPasswordHash []byte `json:"encrypted_password_hash"`
	PublicKey             string `json:"public_key"`
	TCPPort               int    `json:"tcp_port"`
}

// AuthResponseFrame answers an AuthRequestFrame. On success
// EncryptedAESKey holds the room session key, RSA-encrypted with the
// requester's public key.
type AuthResponseFrame struct {
	Success         bool   `json:"success"`
	EncryptedAESKey []byte `json:"encrypted_aes_key,omitempty"`
	Message         string `json:"message,omitempty"`
}

// TypingIndicatorFrame signals that a device is composing a message.
// Never persisted.
type TypingIndicatorFrame struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// PasswordProposalFrame broadcasts a room password rotation proposal.
// NewEncryptedKey is the replacement AES session key encrypted under a
// key derived from the new password, salted with the proposer's device
// ID (KeySalt).
type PasswordProposalFrame struct {
	ProposalID       string   `json:"proposal_id"`
	ProposerDeviceID string   `json:"proposer_device_id"`
	ProposerName     string   `json:"proposer_name"`
	Timestamp        int64    `json:"timestamp"`
	NewPasswordHash  []byte   `json:"new_password_hash"`
	NewEncryptedKey  []byte   `json:"new_encrypted_key"`
	KeySalt          []byte   `json:"key_salt"`
	RequiredPeers    []string `json:"required_peers"`
}

// PasswordVoteFrame casts one peer's vote on an active proposal.
type PasswordVoteFrame struct {
	ProposalID    string `json:"proposal_id"`
	VoterDeviceID string `json:"voter_device_id"`
	VoterName     string `json:"voter_name"`
	Vote          bool   `json:"vote"`
}

func (MessageFrame) frameType() FrameType          { return TypeMessage }
func (SyncRequestFrame) frameType() FrameType      { return TypeSyncRequest }
func (NameChangeFrame) frameType() FrameType       { return TypeNameChange }
func (AuthRequestFrame) frameType() FrameType      { return TypeAuthRequest }
func (AuthResponseFrame) frameType() FrameType     { return TypeAuthResponse }
func (TypingIndicatorFrame) frameType() FrameType  { return TypeTypingIndicator }
func (PasswordProposalFrame) frameType() FrameType { return TypePasswordProposal }
func (PasswordVoteFrame) frameType() FrameType     { return TypePasswordVote }

// envelope is used to peek at the discriminator before decoding the
// concrete frame
type envelope struct {
	Type FrameType `json:"type"`
}

// Encode serializes a frame to a single JSON object with the type
// discriminator spliced in. The result does not include the trailing
// newline. Frames larger than MaxFrameSize are rejected before any
// socket write happens.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("frame %s did not encode to an object", f.frameType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 24)
	fmt.Fprintf(&buf, `{"type":%q`, string(f.frameType()))
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])

	if buf.Len() > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

// Decode parses one line into a concrete frame value.
func Decode(line []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case TypeMessage:
		return decodeInto[MessageFrame](line)
	case TypeSyncRequest:
		return decodeInto[SyncRequestFrame](line)
	case TypeNameChange:
		return decodeInto[NameChangeFrame](line)
	case TypeAuthRequest:
		return decodeInto[AuthRequestFrame](line)
	case TypeAuthResponse:
		return decodeInto[AuthResponseFrame](line)
	case TypeTypingIndicator:
		return decodeInto[TypingIndicatorFrame](line)
	case TypePasswordProposal:
		return decodeInto[PasswordProposalFrame](line)
	case TypePasswordVote:
		return decodeInto[PasswordVoteFrame](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

func decodeInto[T Frame](line []byte) (Frame, error) {
	var f T
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", f.frameType(), err)
	}
	return f, nil
}
