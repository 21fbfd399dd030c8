// Package snapshot decodes and encodes serialized schedule states.
//
// A schedule state maps occurrence IDs to the participants scheduled on that
// occurrence, and each participant to the groups and rooms they were assigned.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const (
	ListGroups = "groups"
	ListRooms  = "rooms"
)

// Snapshot is keyed by occurrence ID.
type Snapshot map[int64]Occurrence

// UnmarshalJSON also accepts an empty array, which older writers emit for an
// empty object.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if isEmptyArray(data) {
		*s = Snapshot{}
		return nil
	}
	type plain Snapshot
	return json.Unmarshal(data, (*plain)(s))
}

// Occurrence is keyed by participant (person) ID.
type Occurrence map[int64]*Assignment

func (o *Occurrence) UnmarshalJSON(data []byte) error {
	if isEmptyArray(data) {
		*o = Occurrence{}
		return nil
	}
	type plain Occurrence
	return json.Unmarshal(data, (*plain)(o))
}

// Assignment holds one participant's nested lists on an occurrence.
// Keys other than groups and rooms are carried through untouched.
type Assignment struct {
	Groups IDList
	Rooms  IDList
	Extra  map[string]json.RawMessage
}

// List returns a pointer to the named list, or nil for an unknown name.
func (a *Assignment) List(name string) *IDList {
	switch name {
	case ListGroups:
		return &a.Groups
	case ListRooms:
		return &a.Rooms
	default:
		return nil
	}
}

func (a *Assignment) UnmarshalJSON(data []byte) error {
	if isEmptyArray(data) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, value := range raw {
		switch key {
		case ListGroups:
			if err := json.Unmarshal(value, &a.Groups); err != nil {
				return fmt.Errorf("groups: %w", err)
			}
		case ListRooms:
			if err := json.Unmarshal(value, &a.Rooms); err != nil {
				return fmt.Errorf("rooms: %w", err)
			}
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[key] = value
		}
	}
	return nil
}

func (a Assignment) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Extra)+2)
	for key, value := range a.Extra {
		out[key] = value
	}
	if a.Groups != nil {
		out[ListGroups] = a.Groups
	}
	if a.Rooms != nil {
		out[ListRooms] = a.Rooms
	}
	return json.Marshal(out)
}

// IDList is an ordered list of resource IDs. A nil list was absent from the
// source document and is omitted on encode.
type IDList []int64

// UnmarshalJSON accepts an array, or the legacy sparse object form whose
// values are taken in numeric key order. Elements may be numbers or numeric strings.
func (l *IDList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	var elements []json.RawMessage
	if len(data) > 0 && data[0] == '{' {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(data, &object); err != nil {
			return err
		}
		keys := make([]string, 0, len(object))
		for key := range object {
			keys = append(keys, key)
		}
		sortKeys(keys)
		for _, key := range keys {
			elements = append(elements, object[key])
		}
	} else if err := json.Unmarshal(data, &elements); err != nil {
		return err
	}

	ids := make(IDList, 0, len(elements))
	for _, element := range elements {
		id, err := parseID(element)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

func (l IDList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]int64(l))
}

// Contains reports whether id is in the list.
func (l IDList) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

func parseID(raw json.RawMessage) (int64, error) {
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0, fmt.Errorf("invalid id %s: %w", string(raw), err)
	}
	id, err := strconv.ParseInt(number.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %s: %w", string(raw), err)
	}
	return id, nil
}

func isEmptyArray(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) < 2 || data[0] != '[' || data[len(data)-1] != ']' {
		return false
	}
	return len(bytes.TrimSpace(data[1:len(data)-1])) == 0
}

// sortKeys orders numeric keys numerically ahead of any non-numeric keys.
func sortKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

// Decode parses a stored schedule. An empty document, null or [] decodes to an
// empty snapshot.
func Decode(data []byte) (Snapshot, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Snapshot{}, nil
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s == nil {
		s = Snapshot{}
	}
	return s, nil
}

// Encode serializes a snapshot. Lists are always written as JSON arrays.
func Encode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}
