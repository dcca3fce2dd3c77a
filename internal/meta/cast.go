package meta

import "fmt"

// The jackpal/bencode-go decoder hands back a tree of string, int64,
// []interface{}, and map[string]interface{} values; these helpers narrow
// that tree into the concrete types a .torrent's fields are supposed to
// hold, rejecting anything that doesn't fit rather than panicking on a type
// assertion.

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("meta: not a string: %T", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	default:
		return nil, fmt.Errorf("meta: not a byte string: %T", v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("meta: not an integer: %T", v)
	}
}

func toStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("meta: not a list: %T", v)
	}
	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := toString(e)
		if err != nil {
			return nil, fmt.Errorf("meta: element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func toTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("meta: not a list: %T", v)
	}
	out := make([][]string, 0, len(tiers))
	for i, t := range tiers {
		ss, err := toStringSlice(t)
		if err != nil || len(ss) == 0 {
			return nil, fmt.Errorf("meta: tier %d: invalid", i)
		}
		out = append(out, ss)
	}
	return out, nil
}
