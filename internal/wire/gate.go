package wire

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"lanshare/internal/metrics"
)

// Document type tags carried in the "_t" field.
const (
	TypeFile     = "file"
	TypeManifest = "manifest"

	typeField = "_t"
)

// Rejection reasons, used as the metrics label.
const (
	ReasonUntagged     = "untagged"
	ReasonUnknownTag   = "unknown_tag"
	ReasonUnknownField = "unknown_field"
	ReasonBSONType     = "bson_type"
)

var ErrDisallowedType = errors.New("disallowed type")

// DisallowedTypeError names the type the gate refused and where it sat.
type DisallowedTypeError struct {
	Type   string
	Path   string
	Reason string
}

func (e *DisallowedTypeError) Error() string {
	return fmt.Sprintf("disallowed type %q at %s (%s)", e.Type, e.Path, e.Reason)
}

func (e *DisallowedTypeError) Is(target error) bool { return target == ErrDisallowedType }

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt32
	kindInteger // int32 or int64
	kindStrings // array of strings, or null
	kindFiles   // array of file documents
)

// schemas lists the fields each tagged document may carry. The deepest
// possible value is a string inside manifest.files[i].content, four
// containers down.
var schemas = map[string]map[string]fieldKind{
	TypeFile: {
		"name":         kindString,
		"size":         kindInteger,
		"kind":         kindInt32,
		"content":      kindStrings,
		"transVersion": kindInt32,
		"origin":       kindInt32,
	},
	TypeManifest: {
		"origin": kindInt32,
		"files":  kindFiles,
	},
}

// Check walks a raw document against the fixed file and manifest schemas and
// returns its tag. Each container is read one level at a time and only
// descended into when the schema expects it, so unknown keys and foreign
// BSON types are refused before anything below them is looked at. Nothing
// is decoded into Go values before Check succeeds.
func Check(raw []byte) (string, error) {
	tag, err := checkDocument(raw, "$", "")
	if err != nil {
		var dte *DisallowedTypeError
		if errors.As(err, &dte) {
			metrics.GateRejections.WithLabelValues(dte.Reason).Inc()
		}
		return "", err
	}
	return tag, nil
}

// checkDocument checks one tagged document. want restricts the tag when
// non-empty.
func checkDocument(doc []byte, path, want string) (string, error) {
	tag, found := "", false
	err := eachElement(doc, path, func(key string, v bsoncore.Value) error {
		if key != typeField {
			return nil
		}
		s, ok := v.StringValueOK()
		if !ok {
			return &DisallowedTypeError{Type: "tag of type " + v.Type.String(), Path: path, Reason: ReasonUntagged}
		}
		tag, found = s, true
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", &DisallowedTypeError{Type: "untagged document", Path: path, Reason: ReasonUntagged}
	}
	schema, ok := schemas[tag]
	if !ok || (want != "" && tag != want) {
		return "", &DisallowedTypeError{Type: tag, Path: path, Reason: ReasonUnknownTag}
	}

	err = eachElement(doc, path, func(key string, v bsoncore.Value) error {
		if key == typeField {
			return nil
		}
		kind, ok := schema[key]
		if !ok {
			return &DisallowedTypeError{Type: v.Type.String(), Path: path + "." + key, Reason: ReasonUnknownField}
		}
		return checkField(kind, v, path+"."+key)
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func checkField(kind fieldKind, v bsoncore.Value, path string) error {
	switch kind {
	case kindString:
		if _, ok := v.StringValueOK(); ok {
			return nil
		}
	case kindInt32:
		if _, ok := v.Int32OK(); ok {
			return nil
		}
	case kindInteger:
		if _, ok := v.Int32OK(); ok {
			return nil
		}
		if _, ok := v.Int64OK(); ok {
			return nil
		}
	case kindStrings:
		if v.Type == bson.TypeNull {
			return nil
		}
		if arr, ok := v.ArrayOK(); ok {
			return eachElement(arr, path, func(key string, item bsoncore.Value) error {
				if _, ok := item.StringValueOK(); ok {
					return nil
				}
				return disallowedValue(item, path+"["+key+"]")
			})
		}
	case kindFiles:
		if arr, ok := v.ArrayOK(); ok {
			return eachElement(arr, path, func(key string, item bsoncore.Value) error {
				doc, ok := item.DocumentOK()
				if !ok {
					return disallowedValue(item, path+"["+key+"]")
				}
				_, err := checkDocument(doc, path+"["+key+"]", TypeFile)
				return err
			})
		}
	}
	return disallowedValue(v, path)
}

func disallowedValue(v bsoncore.Value, path string) error {
	return &DisallowedTypeError{Type: v.Type.String(), Path: path, Reason: ReasonBSONType}
}

// eachElement iterates the elements of one document or array without
// validating the values below it.
func eachElement(doc []byte, path string, fn func(key string, v bsoncore.Value) error) error {
	length, rem, ok := bsoncore.ReadLength(doc)
	if !ok || length < 5 || int(length) != len(doc) || doc[len(doc)-1] != 0 {
		return fmt.Errorf("invalid document at %s: bad length", path)
	}
	rem = rem[:len(rem)-1]
	for i := 0; len(rem) > 0; i++ {
		elem, rest, ok := bsoncore.ReadElement(rem)
		if !ok {
			return fmt.Errorf("invalid document at %s: truncated element %d", path, i)
		}
		key, err := elem.KeyErr()
		if err != nil {
			return fmt.Errorf("invalid document at %s: %w", path, err)
		}
		v, err := elem.ValueErr()
		if err != nil {
			return fmt.Errorf("invalid document at %s.%s: %w", path, key, err)
		}
		if err := fn(key, v); err != nil {
			return err
		}
		rem = rest
	}
	return nil
}
