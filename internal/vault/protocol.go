package vault

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// maxFrameBytes bounds a single protocol frame.
const maxFrameBytes = 1 << 20

// Request is one framed vault command: JSON preceded by a 4-byte
// big-endian length.
type Request struct {
	Action    string              `json:"action"`
	ID        string              `json:"id,omitempty"`
	KeyID     string              `json:"key_id,omitempty"`
	Secret    string              `json:"secret,omitempty"`
	Tx        map[string]any      `json:"tx_dict,omitempty"`
	TypedData *apitypes.TypedData `json:"typed_data,omitempty"`
	Spend     float64             `json:"spend_amount,omitempty"`
}

// Response is the framed reply. Blocked marks a firewall refusal as
// opposed to an operational failure.
type Response struct {
	OK        bool     `json:"ok"`
	ID        string   `json:"id,omitempty"`
	KeyID     string   `json:"key_id,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Address   string   `json:"address,omitempty"`
	Keys      int      `json:"keys,omitempty"`
	KeyIDs    []string `json:"key_ids,omitempty"`
	Status    string   `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
}

// ReadFrame reads one length-delimited JSON message into v.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return fmt.Errorf("invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// WriteFrame writes v as one length-delimited JSON message.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
