package godot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Protocol version announced in the handshake
const (
	MajorVersion = "0"
	MinorVersion = "7"
)

// maxMessageSize bounds the length prefix of incoming messages
const maxMessageSize = 64 << 20

// message types
const (
	handshakeType = "handshake"
	envInfoType   = "env_info"
	resetType     = "reset"
	actionType    = "action"
	stepType      = "step"
	closeType     = "close"
)

// request is a message sent to the engine
type request struct {
	Type         string                 `json:"type"`
	MajorVersion string                 `json:"major_version,omitempty"`
	MinorVersion string                 `json:"minor_version,omitempty"`
	Action       []map[string][]float64 `json:"action,omitempty"`
}

// response is a message received from the engine. Only the fields
// relevant to the message type are set.
type response struct {
	Type             string              `json:"type"`
	ObservationSpace json.RawMessage     `json:"observation_space"`
	ActionSpace      json.RawMessage     `json:"action_space"`
	NAgents          int                 `json:"n_agents"`
	Obs              []map[string]floats `json:"obs"`
	Reward           []float64           `json:"reward"`
	Done             []bool              `json:"done"`
	Truncated        []bool              `json:"truncated"`
}

// floats decodes either a JSON number or an array of JSON numbers
type floats []float64

func (f *floats) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]float64)(f))
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = floats{v}
	return nil
}

// space describes one entry of an observation or action space
type space struct {
	Key        string
	Size       int
	Continuous bool
}

// spaceEntry is the wire format of a space entry. Observation spaces
// give a size array, action spaces give a scalar size.
type spaceEntry struct {
	Size       json.RawMessage `json:"size"`
	Space      string          `json:"space"`
	ActionType string          `json:"action_type"`
}

// writeMessage writes v as a length prefixed JSON message
func writeMessage(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "writeMessage")
	}

	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "writeMessage")
	}
	return nil
}

// readMessage reads one length prefixed message and returns its body
func readMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "readMessage: header")
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n > maxMessageSize {
		return nil, errors.Wrapf(ErrProtocol, "readMessage: message of %d "+
			"bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "readMessage: body")
	}
	return body, nil
}

// readResponse reads a message and checks that it has the wanted type
func readResponse(r io.Reader, want string) (response, error) {
	body, err := readMessage(r)
	if err != nil {
		return response{}, err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return response{}, errors.Wrapf(ErrProtocol, "malformed %q "+
			"message: %v", want, err)
	}
	if resp.Type != want {
		return response{}, errors.Wrapf(ErrProtocol, "expected %q message, "+
			"got %q", want, resp.Type)
	}
	return resp, nil
}

// parseSpaces decodes a JSON object of space entries, keeping the
// order in which keys appear on the wire
func parseSpaces(raw json.RawMessage) ([]space, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.Errorf("expected object, got %v", tok)
	}

	var spaces []space
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := tok.(string)

		var entry spaceEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, errors.Wrapf(err, "space %q", key)
		}
		size, err := entry.size()
		if err != nil {
			return nil, errors.Wrapf(err, "space %q", key)
		}

		spaces = append(spaces, space{
			Key:        key,
			Size:       size,
			Continuous: entry.ActionType != "discrete",
		})
	}
	return spaces, nil
}

// size returns the flattened size of a space entry
func (s spaceEntry) size() (int, error) {
	var scalar int
	if err := json.Unmarshal(s.Size, &scalar); err == nil {
		return scalar, nil
	}

	var shape []int
	if err := json.Unmarshal(s.Size, &shape); err != nil {
		return 0, errors.Errorf("bad size %s", string(s.Size))
	}
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size, nil
}

// totalSize returns the summed size of all spaces
func totalSize(spaces []space) int {
	n := 0
	for _, s := range spaces {
		n += s.Size
	}
	return n
}
