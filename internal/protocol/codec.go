package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxHandshakeBytes bounds how much stdout is scanned for the handshake line.
const maxHandshakeBytes = 64 * 1024

// EncodeRequest validates req and writes it to w as one JSON line.
func EncodeRequest(w io.Writer, req *Request) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// EncodeResponse validates resp and writes it to w as one JSON line.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := ValidateResponse(resp); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// ValidateRequest checks the required request fields.
func ValidateRequest(req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.ID == "" {
		return fmt.Errorf("request missing required field: id")
	}
	switch req.Type {
	case TypePing:
	case TypeCall:
		if req.Capability == "" {
			return fmt.Errorf("call request missing required field: capability")
		}
	default:
		return fmt.Errorf("invalid request type: %q (must be 'call' or 'ping')", req.Type)
	}
	return nil
}

// ValidateResponse checks the required response fields.
func ValidateResponse(resp *Response) error {
	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if resp.Status != StatusOK && resp.Status != StatusError {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == StatusError && resp.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}

// Decoder reads a stream of frames. It keeps its own buffer, so a connection
// must have exactly one Decoder.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a strict decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return &Decoder{dec: dec}
}

// Request reads and validates the next request frame.
func (d *Decoder) Request() (*Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Response reads and validates the next response frame.
func (d *Decoder) Response() (*Response, error) {
	var resp Response
	if err := d.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := ValidateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteHandshake writes h as a single line.
func WriteHandshake(w io.Writer, h Handshake) error {
	if err := json.NewEncoder(w).Encode(h); err != nil {
		return fmt.Errorf("failed to encode handshake: %w", err)
	}
	return nil
}

// ReadHandshake scans r until it finds the handshake line. Lines that are not
// JSON objects are skipped so workers may print a banner first.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxHandshakeBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var h Handshake
		if err := json.Unmarshal(line, &h); err != nil {
			return nil, fmt.Errorf("invalid handshake: %w", err)
		}
		if h.Error != "" {
			return &h, fmt.Errorf("worker reported startup error: %s", h.Error)
		}
		if !h.Ready {
			return &h, fmt.Errorf("worker handshake not ready")
		}
		if h.Protocol != Version {
			return &h, fmt.Errorf("unsupported protocol version %d (supported: %d)", h.Protocol, Version)
		}
		return &h, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	return nil, io.ErrUnexpectedEOF
}
