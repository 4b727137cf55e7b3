// Package mapstruct decodes generic map[string]any values, as produced by the
// yaml/json/toml parsers, into tagged structs.
package mapstruct

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Decoder maps parsed configuration trees onto struct fields.
type Decoder struct {
	// TagName is the struct tag consulted for key names. Default "yaml".
	// Fields without the tag match on their Go name.
	TagName string
}

// New returns a Decoder with the default tag name.
func New() *Decoder {
	return &Decoder{TagName: "yaml"}
}

// WithTagName sets the struct tag used for key lookup.
func (d *Decoder) WithTagName(tag string) *Decoder {
	d.TagName = tag
	return d
}

// Decode fills target, which must be a non-nil pointer to a struct, from the
// input map. Keys missing from the input leave the corresponding fields
// untouched; type mismatches are errors.
func (d *Decoder) Decode(input map[string]any, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("mapstruct: target must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("mapstruct: target must point to a struct")
	}
	return d.decodeStruct(input, v)
}

func (d *Decoder) decodeStruct(input map[string]any, dst reflect.Value) error {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := dst.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := d.decodeStruct(input, fv); err != nil {
				return err
			}
			continue
		}

		name := d.fieldName(field)
		if name == "" {
			continue
		}
		raw, ok := input[name]
		if !ok || raw == nil {
			continue
		}
		if err := d.decodeValue(raw, fv); err != nil {
			return fmt.Errorf("mapstruct: field %s: %w", name, err)
		}
	}
	return nil
}

func (d *Decoder) fieldName(field reflect.StructField) string {
	if d.TagName == "" {
		return field.Name
	}
	tag, ok := field.Tag.Lookup(d.TagName)
	if !ok || tag == "" {
		return field.Name
	}
	tag, _, _ = strings.Cut(tag, ",")
	if tag == "-" {
		return ""
	}
	return tag
}

func (d *Decoder) decodeValue(raw any, dst reflect.Value) error {
	t := dst.Type()

	if reflect.TypeOf(raw) == t {
		dst.Set(reflect.ValueOf(raw))
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem := reflect.New(t.Elem())
		if err := d.decodeValue(raw, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil

	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("cannot decode %T into %s", raw, t)
		}
		out := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			if err := d.decodeValue(item, out.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		dst.Set(out)
		return nil

	case reflect.Map:
		src, ok := raw.(map[string]any)
		if !ok || t.Key().Kind() != reflect.String {
			return fmt.Errorf("cannot decode %T into %s", raw, t)
		}
		out := reflect.MakeMapWithSize(t, len(src))
		for k, item := range src {
			ev := reflect.New(t.Elem()).Elem()
			if err := d.decodeValue(item, ev); err != nil {
				return fmt.Errorf("key %s: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k), ev)
		}
		dst.Set(out)
		return nil

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return decodeTime(raw, dst)
		}
		src, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot decode %T into %s", raw, t)
		}
		return d.decodeStruct(src, dst)
	}

	if t == durationType {
		return decodeDuration(raw, dst)
	}
	return decodeScalar(raw, dst)
}

func decodeDuration(raw any, dst reflect.Value) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("bad duration %q", v)
		}
		dst.SetInt(int64(parsed))
	case int, int64, uint64, float64:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		dst.SetInt(n)
	default:
		return fmt.Errorf("cannot decode %T into time.Duration", raw)
	}
	return nil
}

func decodeTime(raw any, dst reflect.Value) error {
	s, ok := raw.(string)
	if !ok {
		return fmt.Errorf("cannot decode %T into time.Time", raw)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			dst.Set(reflect.ValueOf(parsed))
			return nil
		}
	}
	return fmt.Errorf("bad time %q", s)
}

func decodeScalar(raw any, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("cannot decode %T into string", raw)
		}
		dst.SetString(s)

	case reflect.Bool:
		switch v := raw.(type) {
		case bool:
			dst.SetBool(v)
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("bad bool %q", v)
			}
			dst.SetBool(parsed)
		default:
			return fmt.Errorf("cannot decode %T into bool", raw)
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(raw)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, dst.Type())
		}
		dst.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(raw)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("value %d out of range for %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))

	case reflect.Float32, reflect.Float64:
		switch v := raw.(type) {
		case float64:
			dst.SetFloat(v)
		case int:
			dst.SetFloat(float64(v))
		case int64:
			dst.SetFloat(float64(v))
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("bad float %q", v)
			}
			dst.SetFloat(parsed)
		default:
			return fmt.Errorf("cannot decode %T into float", raw)
		}

	default:
		return fmt.Errorf("unsupported kind %s", dst.Kind())
	}
	return nil
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		// float64 cannot represent MaxInt64 itself, so the exclusive upper
		// bound is 2^63 exactly.
		if v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("value %v overflows int64", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad integer %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot decode %T into integer", raw)
	}
}
