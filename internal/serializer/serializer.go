// Package serializer provides a bidirectional mapping between arbitrary
// payload graphs and a (jsonValue, metaList) pair: a value tree that is
// plain JSON plus an ordered side-band of records describing the positions
// where the default JSON mapping would lose information.
package serializer

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"
)

// Built-in type tags. Custom registrations must choose a tag >= 100 to
// avoid colliding with these.
const (
	TagDate      = 1
	TagBigInt    = 2
	TagBytes     = 3
	TagSet       = 4
	TagMap       = 5 // mapping with non-string keys
	TagUndefined = 6
)

const firstCustomTag = 100

// MetaEntry records one position in the value tree where the plain JSON
// mapping lost type information, so the receiver can reconstruct it.
type MetaEntry struct {
	TypeTag int      `json:"t"`
	Path    []string `json:"p"`
}

// Registration describes a custom type handled outside the built-ins.
// TypeTag must be unique and >= 100. Condition reports whether v should be
// handled by this registration; Serialize produces its JSON-compatible
// form; Deserialize reverses it.
type Registration struct {
	TypeTag     int
	Condition   func(v interface{}) bool
	Serialize   func(v interface{}) (interface{}, error)
	Deserialize func(raw interface{}) (interface{}, error)
}

// Serializer converts payload graphs to and from their wire form, applying
// built-in handling for dates, big integers, byte slices, sets, and
// non-string-keyed maps, plus any registered custom types.
type Serializer struct {
	custom []Registration
	byTag  map[int]Registration
}

// New creates a Serializer with no custom registrations.
func New() *Serializer {
	return &Serializer{byTag: make(map[int]Registration)}
}

// Register adds a custom type handler. It panics if TypeTag collides with
// a built-in or a previously registered tag — this is a programming error,
// not a runtime condition.
func (s *Serializer) Register(r Registration) {
	if r.TypeTag < firstCustomTag {
		panic(fmt.Sprintf("serializer: custom type tag %d collides with a built-in (must be >= %d)", r.TypeTag, firstCustomTag))
	}
	if _, exists := s.byTag[r.TypeTag]; exists {
		panic(fmt.Sprintf("serializer: type tag %d already registered", r.TypeTag))
	}
	s.byTag[r.TypeTag] = r
	s.custom = append(s.custom, r)
	sort.SliceStable(s.custom, func(i, j int) bool { return s.custom[i].TypeTag < s.custom[j].TypeTag })
}

// Set is a built-in container type recognized by the serializer: an
// unordered collection of distinct JSON-serializable elements.
type Set []interface{}

// Undefined is a built-in sentinel distinguishing "explicitly absent" from
// Go's nil/zero value, which JSON cannot otherwise express.
type Undefined struct{}

// Serialize converts v into a JSON-compatible value plus the meta list
// needed to reconstruct every typed value it contains.
func (s *Serializer) Serialize(v interface{}) (interface{}, []MetaEntry, error) {
	var meta []MetaEntry
	out, err := s.serializeAt(v, nil, &meta)
	if err != nil {
		return nil, nil, err
	}
	return out, meta, nil
}

func (s *Serializer) serializeAt(v interface{}, path []string, meta *[]MetaEntry) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Undefined:
		s.record(meta, TagUndefined, path)
		return nil, nil
	case time.Time:
		s.record(meta, TagDate, path)
		return val.UTC().Format(time.RFC3339Nano), nil
	case *big.Int:
		s.record(meta, TagBigInt, path)
		return val.String(), nil
	case []byte:
		s.record(meta, TagBytes, path)
		return base64.StdEncoding.EncodeToString(val), nil
	case Set:
		s.record(meta, TagSet, path)
		items := make([]interface{}, len(val))
		for i, elem := range val {
			serialized, err := s.serializeAt(elem, appendPath(path, strconv.Itoa(i)), meta)
			if err != nil {
				return nil, err
			}
			items[i] = serialized
		}
		return items, nil
	case map[interface{}]interface{}:
		s.record(meta, TagMap, path)
		pairs := make([]interface{}, 0, len(val))
		for k, mv := range val {
			sk, err := s.serializeAt(k, appendPath(path, strconv.Itoa(len(pairs)), "k"), meta)
			if err != nil {
				return nil, err
			}
			sv, err := s.serializeAt(mv, appendPath(path, strconv.Itoa(len(pairs)), "v"), meta)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, []interface{}{sk, sv})
		}
		return pairs, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, mv := range val {
			serialized, err := s.serializeAt(mv, appendPath(path, k), meta)
			if err != nil {
				return nil, err
			}
			out[k] = serialized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			serialized, err := s.serializeAt(elem, appendPath(path, strconv.Itoa(i)), meta)
			if err != nil {
				return nil, err
			}
			out[i] = serialized
		}
		return out, nil
	}

	for _, reg := range s.custom {
		if reg.Condition == nil || !reg.Condition(v) {
			continue
		}
		raw, err := reg.Serialize(v)
		if err != nil {
			return nil, fmt.Errorf("serializer: custom tag %d: %w", reg.TypeTag, err)
		}
		s.record(meta, reg.TypeTag, path)
		return raw, nil
	}

	return v, nil
}

// Deserialize reconstructs the original value tree from its JSON form and
// meta list.
func (s *Serializer) Deserialize(jsonValue interface{}, meta []MetaEntry) (interface{}, error) {
	byPath := make(map[string]MetaEntry, len(meta))
	for _, m := range meta {
		byPath[pathKey(m.Path)] = m
	}
	return s.deserializeAt(jsonValue, nil, byPath)
}

func (s *Serializer) deserializeAt(raw interface{}, path []string, byPath map[string]MetaEntry) (interface{}, error) {
	if m, ok := byPath[pathKey(path)]; ok {
		return s.applyTag(m.TypeTag, raw, path, byPath)
	}

	switch val := raw.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			dv, err := s.deserializeAt(v, appendPath(path, k), byPath)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, v := range val {
			dv, err := s.deserializeAt(v, appendPath(path, strconv.Itoa(i)), byPath)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (s *Serializer) applyTag(tag int, raw interface{}, path []string, byPath map[string]MetaEntry) (interface{}, error) {
	switch tag {
	case TagUndefined:
		return Undefined{}, nil
	case TagDate:
		str, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return nil, fmt.Errorf("serializer: invalid date at %v: %w", path, err)
		}
		return t, nil
	case TagBigInt:
		str, _ := raw.(string)
		n, ok := new(big.Int).SetString(str, 10)
		if !ok {
			return nil, fmt.Errorf("serializer: invalid big int at %v", path)
		}
		return n, nil
	case TagBytes:
		str, _ := raw.(string)
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("serializer: invalid byte buffer at %v: %w", path, err)
		}
		return b, nil
	case TagSet:
		arr, _ := raw.([]interface{})
		out := make(Set, len(arr))
		for i, v := range arr {
			dv, err := s.deserializeAt(v, appendPath(path, strconv.Itoa(i)), byPath)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case TagMap:
		arr, _ := raw.([]interface{})
		out := make(map[interface{}]interface{}, len(arr))
		for i, pairRaw := range arr {
			pair, _ := pairRaw.([]interface{})
			if len(pair) != 2 {
				return nil, fmt.Errorf("serializer: malformed map entry at %v", path)
			}
			k, err := s.deserializeAt(pair[0], appendPath(path, strconv.Itoa(i), "k"), byPath)
			if err != nil {
				return nil, err
			}
			v, err := s.deserializeAt(pair[1], appendPath(path, strconv.Itoa(i), "v"), byPath)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}

	reg, ok := s.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("serializer: unknown type tag %d at %v", tag, path)
	}
	return reg.Deserialize(raw)
}

func (s *Serializer) record(meta *[]MetaEntry, tag int, path []string) {
	cp := make([]string, len(path))
	copy(cp, path)
	*meta = append(*meta, MetaEntry{TypeTag: tag, Path: cp})
}

func appendPath(path []string, segs ...string) []string {
	out := make([]string, 0, len(path)+len(segs))
	out = append(out, path...)
	out = append(out, segs...)
	return out
}

func pathKey(path []string) string {
	key := ""
	for _, p := range path {
		key += "/" + p
	}
	return key
}
