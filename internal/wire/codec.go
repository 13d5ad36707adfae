// Package wire implements the PubSubClub federation wire format: tagged
// JSON-array frames exchanged over a framed bidirectional transport.
//
// Each frame is `[code, params...]`. Decode validates the action code, and
// the per-action Decode* helpers validate arity and parameter shape; callers are expected
// to close the session on any error returned from this package (§7 of the
// federation spec: malformed frames and unknown action codes are always
// fatal to the session).
package wire

import (
	"encoding/json"
	"fmt"
)

// Action codes, exactly as specified on the wire.
const (
	DeclaredVersions = 101 // Consumer -> Producer
	VersionChosen    = 102 // Producer -> Consumer
	Subscribe        = 201 // Consumer -> Producer
	Unsubscribe      = 202 // Consumer -> Producer
	Publish          = 301 // Producer -> Consumer
)

// ErrMalformedFrame is returned when a payload isn't a well-formed frame for
// any reason: not a JSON array, unrecognized action code, or wrong arity.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func malformed(format string, args ...interface{}) error {
	return &ErrMalformedFrame{Reason: fmt.Sprintf(format, args...)}
}

// Version is a (major, minor) protocol version pair.
type Version struct {
	Major int
	Minor int
}

// Less orders versions ascending by major then minor, per §4.2's
// "lexicographically smallest" selection rule.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Frame is a decoded wire message: an action code plus its raw JSON params,
// still encoded so that each action's decoder can apply its own shape.
type Frame struct {
	Code   int
	Params []json.RawMessage
}

// Decode parses a raw transport payload into a Frame. It only validates
// that the payload is a JSON array whose first element is a recognized
// action code; per-action arity is checked by the Decode* helpers below so
// that the precise error can name the action.
func Decode(payload []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Frame{}, malformed("payload is not a JSON array: %v", err)
	}
	if len(raw) == 0 {
		return Frame{}, malformed("empty frame")
	}
	var code int
	if err := json.Unmarshal(raw[0], &code); err != nil {
		return Frame{}, malformed("first element is not an integer action code")
	}
	switch code {
	case DeclaredVersions, VersionChosen, Subscribe, Unsubscribe, Publish:
	default:
		return Frame{}, malformed("unknown action code %d", code)
	}
	return Frame{Code: code, Params: raw[1:]}, nil
}

func encode(code int, params ...interface{}) ([]byte, error) {
	items := make([]interface{}, 0, len(params)+1)
	items = append(items, code)
	items = append(items, params...)
	return json.Marshal(items)
}

// EncodeDeclaredVersions builds a 101 frame listing every version this side
// supports.
func EncodeDeclaredVersions(versions []Version) ([]byte, error) {
	if len(versions) == 0 {
		return nil, malformed("DeclaredVersions requires at least one version")
	}
	pairs := make([][2]int, len(versions))
	for i, v := range versions {
		pairs[i] = [2]int{v.Major, v.Minor}
	}
	params := make([]interface{}, len(pairs))
	for i, p := range pairs {
		params[i] = p
	}
	return encode(DeclaredVersions, params...)
}

// DecodeDeclaredVersions parses the params of a 101 frame.
func DecodeDeclaredVersions(params []json.RawMessage) ([]Version, error) {
	if len(params) == 0 {
		return nil, malformed("DeclaredVersions: expected at least one version")
	}
	versions := make([]Version, 0, len(params))
	for _, p := range params {
		var pair [2]int
		if err := json.Unmarshal(p, &pair); err != nil {
			return nil, malformed("DeclaredVersions: bad version pair: %v", err)
		}
		versions = append(versions, Version{Major: pair[0], Minor: pair[1]})
	}
	return versions, nil
}

// EncodeVersionChosen builds a 102 frame. nodeID is nil when no local
// NodeId is configured, omitting the optional third parameter.
func EncodeVersionChosen(chosen Version, nodeID *int32) ([]byte, error) {
	if nodeID == nil {
		return encode(VersionChosen, [2]int{chosen.Major, chosen.Minor})
	}
	return encode(VersionChosen, [2]int{chosen.Major, chosen.Minor}, *nodeID)
}

// DecodeVersionChosen parses the params of a 102 frame. remoteNodeID is nil
// if the producer didn't append one.
func DecodeVersionChosen(params []json.RawMessage) (chosen Version, remoteNodeID *int32, err error) {
	if len(params) != 1 && len(params) != 2 {
		return Version{}, nil, malformed("VersionChosen: expected 1 or 2 params, got %d", len(params))
	}
	var pair [2]int
	if err := json.Unmarshal(params[0], &pair); err != nil {
		return Version{}, nil, malformed("VersionChosen: bad version pair: %v", err)
	}
	chosen = Version{Major: pair[0], Minor: pair[1]}
	if len(params) == 2 {
		var id int32
		if err := json.Unmarshal(params[1], &id); err != nil {
			return Version{}, nil, malformed("VersionChosen: bad node id: %v", err)
		}
		remoteNodeID = &id
	}
	return chosen, remoteNodeID, nil
}

// EncodeSubscribe builds a 201 frame.
func EncodeSubscribe(topic string) ([]byte, error) {
	return encode(Subscribe, topic)
}

// EncodeUnsubscribe builds a 202 frame.
func EncodeUnsubscribe(topic string) ([]byte, error) {
	return encode(Unsubscribe, topic)
}

// DecodeTopic parses the single-topic params shared by Subscribe/Unsubscribe.
func DecodeTopic(code int, params []json.RawMessage) (string, error) {
	if len(params) != 1 {
		return "", malformed("action %d: expected exactly 1 param, got %d", code, len(params))
	}
	var topic string
	if err := json.Unmarshal(params[0], &topic); err != nil {
		return "", malformed("action %d: topic is not a string: %v", code, err)
	}
	return topic, nil
}

// EncodePublish builds a 301 frame.
func EncodePublish(topic string, event json.RawMessage) ([]byte, error) {
	return encode(Publish, topic, event)
}

// DecodePublish parses the params of a 301 frame.
func DecodePublish(params []json.RawMessage) (topic string, event json.RawMessage, err error) {
	if len(params) != 2 {
		return "", nil, malformed("Publish: expected exactly 2 params, got %d", len(params))
	}
	if err := json.Unmarshal(params[0], &topic); err != nil {
		return "", nil, malformed("Publish: topic is not a string: %v", err)
	}
	return topic, params[1], nil
}

// NegotiateVersion intersects declared with supported and returns the
// lexicographically smallest mutual version, per §4.2. ok is false if the
// intersection is empty.
func NegotiateVersion(declared, supported []Version) (chosen Version, ok bool) {
	supportedSet := make(map[Version]struct{}, len(supported))
	for _, v := range supported {
		supportedSet[v] = struct{}{}
	}
	var mutual []Version
	seen := make(map[Version]struct{})
	for _, v := range declared {
		if _, inSupported := supportedSet[v]; !inSupported {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		mutual = append(mutual, v)
	}
	if len(mutual) == 0 {
		return Version{}, false
	}
	best := mutual[0]
	for _, v := range mutual[1:] {
		if v.Less(best) {
			best = v
		}
	}
	return best, true
}
