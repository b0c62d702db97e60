// Package payload turns loosely shaped webhook responses into reply text.
package payload

import (
	"errors"
	"math"
	"mime"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMalformed is returned by Parse when a body declared as JSON does not parse.
var ErrMalformed = errors.New("malformed JSON payload")

// Kind enumerates the shapes a payload Value can take.
type Kind int

const (
	Null Kind = iota
	String
	Number
	Bool
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "unknown"
}

// Field is one key of an Object value. Objects keep their source key order.
type Field struct {
	Key   string
	Value Value
}

// Value is a closed sum over the JSON shapes. The zero Value is Null.
type Value struct {
	kind   Kind
	str    string
	num    float64
	b      bool
	items  []Value
	fields []Field
}

func NullValue() Value { return Value{} }
func StringValue(s string) Value { return Value{kind: String, str: s} }
func NumberValue(n float64) Value { return Value{kind: Number, num: n} }
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }
func ArrayValue(items ...Value) Value { return Value{kind: Array, items: items} }
func ObjectValue(fields ...Field) Value {
	return Value{kind: Object, fields: fields}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) Items() []Value { return v.items }
func (v Value) Fields() []Field { return v.fields }

// Str returns the string payload and whether v is a String.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == String
}

// Get returns the value stored under key. Duplicate keys resolve to the last one.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Object {
		return Value{}, false
	}
	var (
		out   Value
		found bool
	)
	for _, f := range v.fields {
		if f.Key == key {
			out, found = f.Value, true
		}
	}
	return out, found
}

// Path walks a dotted path of object keys, e.g. "data.output".
func (v Value) Path(path string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		next, ok := cur.Get(part)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// scalarText renders Number and Bool values the way a JSON consumer would print them.
func (v Value) scalarText() string {
	switch v.kind {
	case Number:
		return formatNumber(v.num)
	case Bool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// formatNumber prints n the way JavaScript's String(n) does: plain decimals
// for magnitudes in [1e-6, 1e21), exponent form otherwise.
func formatNumber(n float64) string {
	abs := math.Abs(n)
	if abs == 0 {
		return "0"
	}
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(n, 'e', -1, 64), "e")
	return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}

// Parse builds a Value from a response body. Bodies whose content type is
// not JSON are taken verbatim as a String value.
func Parse(body []byte, contentType string) (Value, error) {
	if !isJSON(contentType) {
		return StringValue(string(body)), nil
	}
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return NullValue(), nil
	}
	if !gjson.Valid(raw) {
		return Value{}, ErrMalformed
	}
	return fromResult(gjson.Parse(raw)), nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.String:
		return StringValue(r.Str)
	case gjson.Number:
		return NumberValue(r.Num)
	case gjson.True:
		return BoolValue(true)
	case gjson.False:
		return BoolValue(false)
	case gjson.JSON:
		if r.IsArray() {
			var items []Value
			r.ForEach(func(_, item gjson.Result) bool {
				items = append(items, fromResult(item))
				return true
			})
			return ArrayValue(items...)
		}
		var fields []Field
		r.ForEach(func(key, val gjson.Result) bool {
			fields = append(fields, Field{Key: key.String(), Value: fromResult(val)})
			return true
		})
		return ObjectValue(fields...)
	}
	return NullValue()
}
