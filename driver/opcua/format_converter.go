package opcua

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua/ua"
)

// FormatValue renders a decoded OPC-UA variant value as the string result of
// an operation.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64, int, uint:
		return fmt.Sprint(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	case ua.LocalizedText:
		return t.Text
	case *ua.LocalizedText:
		if t == nil {
			return ""
		}
		return t.Text
	case *ua.QualifiedName:
		if t == nil {
			return ""
		}
		return t.Name
	case *ua.NodeID:
		if t == nil {
			return ""
		}
		return t.String()
	case ua.StatusCode:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ParseValue converts raw into the Go type of current, the value the node
// holds now, so the written variant keeps the node's data type. A nil
// current value writes raw as a string.
func ParseValue(raw string, current interface{}) (interface{}, error) {
	raw = strings.TrimSpace(raw)
	switch current.(type) {
	case nil, string:
		return raw, nil
	case bool:
		return strconv.ParseBool(raw)
	case float32:
		f, err := strconv.ParseFloat(raw, 32)
		return float32(f), err
	case float64:
		return strconv.ParseFloat(raw, 64)
	case int8:
		i, err := strconv.ParseInt(raw, 10, 8)
		return int8(i), err
	case int16:
		i, err := strconv.ParseInt(raw, 10, 16)
		return int16(i), err
	case int32:
		i, err := strconv.ParseInt(raw, 10, 32)
		return int32(i), err
	case int64:
		return strconv.ParseInt(raw, 10, 64)
	case uint8:
		u, err := strconv.ParseUint(raw, 10, 8)
		return uint8(u), err
	case uint16:
		u, err := strconv.ParseUint(raw, 10, 16)
		return uint16(u), err
	case uint32:
		u, err := strconv.ParseUint(raw, 10, 32)
		return uint32(u), err
	case uint64:
		return strconv.ParseUint(raw, 10, 64)
	case time.Time:
		return time.Parse(time.RFC3339Nano, raw)
	case *ua.LocalizedText:
		return ua.NewLocalizedText(raw), nil
	default:
		return nil, fmt.Errorf("cannot write %q to a node of type %T", raw, current)
	}
}

// convData turns read results into reply values, failing on the first node
// that did not return StatusOK.
func convData(results []*ua.DataValue, nodes []string) ([]ReplyValue, error) {
	if len(results) != len(nodes) {
		return nil, fmt.Errorf("got %d results for %d nodes", len(results), len(nodes))
	}
	out := make([]ReplyValue, 0, len(results))
	for i, dv := range results {
		if dv == nil {
			return nil, fmt.Errorf("no value for node %s", nodes[i])
		}
		if dv.Status != ua.StatusOK {
			return nil, fmt.Errorf("reading node %s failed with status: %w", nodes[i], dv.Status)
		}
		var v interface{}
		if dv.Value != nil {
			v = dv.Value.Value()
		}
		out = append(out, ReplyValue{Node: nodes[i], Value: FormatValue(v)})
	}
	return out, nil
}
