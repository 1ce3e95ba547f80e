package feedback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var errEmptyPayload = errors.New("empty payload")

// update is a partial State carried by one inbound event.
type update struct {
	repCount *int
	feedback *string
}

func (u update) empty() bool {
	return u.repCount == nil && u.feedback == nil
}

// analysisPayload covers the object shapes the backend is known to send.
type analysisPayload struct {
	RepCount *json.Number `json:"rep_count"`
	Count    *json.Number `json:"count"`
	Reps     *json.Number `json:"reps"`
	Feedback *string      `json:"feedback"`
	Message  *string      `json:"message"`
}

func (p analysisPayload) toUpdate() (update, error) {
	var u update
	for _, n := range []*json.Number{p.RepCount, p.Count, p.Reps} {
		if n == nil {
			continue
		}
		v, err := toCount(*n)
		if err != nil {
			return u, err
		}
		u.repCount = &v
		break
	}
	switch {
	case p.Feedback != nil:
		u.feedback = p.Feedback
	case p.Message != nil:
		u.feedback = p.Message
	}
	return u, nil
}

func decodeObject(raw json.RawMessage) (analysisPayload, error) {
	var p analysisPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decoding payload: %w", err)
	}
	return p, nil
}

// parseRepCount accepts 3, 3.0, "3", {"count":3} and {"rep_count":3}.
func parseRepCount(raw json.RawMessage) (update, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return update{}, errEmptyPayload
	}
	switch raw[0] {
	case '{':
		p, err := decodeObject(raw)
		if err != nil {
			return update{}, err
		}
		u, err := p.toUpdate()
		if err != nil {
			return update{}, err
		}
		if u.repCount == nil {
			return update{}, fmt.Errorf("no count in %s", raw)
		}
		u.feedback = nil
		return u, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return update{}, err
		}
		v, err := toCount(json.Number(s))
		if err != nil {
			return update{}, err
		}
		return update{repCount: &v}, nil
	default:
		v, err := toCount(json.Number(raw))
		if err != nil {
			return update{}, err
		}
		return update{repCount: &v}, nil
	}
}

// parseFeedback accepts a bare string or an object with feedback/message and
// an optional count.
func parseFeedback(raw json.RawMessage) (update, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return update{}, errEmptyPayload
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return update{}, err
		}
		return update{feedback: &s}, nil
	case '{':
		p, err := decodeObject(raw)
		if err != nil {
			return update{}, err
		}
		return p.toUpdate()
	default:
		return update{}, fmt.Errorf("unsupported feedback payload %s", raw)
	}
}

func parseAnalysis(raw json.RawMessage) (update, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return update{}, fmt.Errorf("analysis payload must be an object")
	}
	p, err := decodeObject(raw)
	if err != nil {
		return update{}, err
	}
	return p.toUpdate()
}

func toCount(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return clampCount(float64(i)), nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid count %q", n.String())
	}
	return clampCount(f), nil
}

func clampCount(f float64) int {
	if f < 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
