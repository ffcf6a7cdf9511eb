package confstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// document is the self-describing persisted form of one module:
// {"_meta":{"seq":N,"version":V}, "<key>":<value>, ...}.

type docMeta struct {
	Seq     uint32 `json:"seq"`
	Version uint16 `json:"version"`
}

// encodeDocument serialises a full module value set. Every schema entry
// appears, using the cached value when present and the default otherwise,
// so a document is always complete and loadable on its own.
func encodeDocument(schema *Schema, values map[string]Value, seq uint32) ([]byte, error) {
	doc := make(map[string]any, len(schema.Entries)+1)
	doc["_meta"] = docMeta{Seq: seq, Version: schema.Version}

	for _, entry := range schema.Entries {
		v, ok := values[entry.Key]
		if !ok || v.Type != entry.Type {
			v = entry.Default
		}
		doc[entry.Key] = encodeValue(v)
	}

	return json.Marshal(doc)
}

func encodeValue(v Value) any {
	switch v.Type {
	case TypeBool:
		return v.AsBool()
	case TypeInt:
		return v.AsInt()
	case TypeUint:
		return v.AsUint()
	case TypeFloat:
		return v.AsFloat()
	case TypeString:
		return v.AsString()
	case TypeBytes:
		return base64.StdEncoding.EncodeToString(v.AsBytes())
	}
	return nil
}

// decodedDocument is a parsed module document.
type decodedDocument struct {
	Seq     uint32
	Version uint16
	Values  map[string]Value

	// Unknown lists keys present in the document but absent from the
	// schema; they are dropped with a warning.
	Unknown []string
}

// decodeDocument parses a module document and coerces each entry to its
// schema type. Entries that cannot be coerced fall back to the default.
func decodeDocument(schema *Schema, data []byte) (*decodedDocument, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	out := &decodedDocument{Values: make(map[string]Value, len(schema.Entries))}

	if metaRaw, ok := raw["_meta"]; ok {
		var meta docMeta
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("parsing document meta: %w", err)
		}
		out.Seq = meta.Seq
		out.Version = meta.Version
	}

	for key, valRaw := range raw {
		if key == "_meta" {
			continue
		}
		entry := schema.entry(key)
		if entry == nil {
			out.Unknown = append(out.Unknown, key)
			continue
		}
		v, err := decodeValue(entry.Type, valRaw)
		if err != nil {
			v = entry.Default
		}
		out.Values[key] = v
	}

	return out, nil
}

func decodeValue(t ValueType, raw json.RawMessage) (Value, error) {
	switch t {
	case TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case TypeInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case TypeUint:
		var n uint64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, err
		}
		return Uint(n), nil
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("non-finite float")
		}
		return Float(f), nil
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case TypeBytes:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	}
	return Value{}, fmt.Errorf("unknown type %d", t)
}
