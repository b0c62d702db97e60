package payload

// Fallback is shown when a reply could not be extracted from a payload.
const Fallback = "No content returned from the webhook."

// candidateFields are checked in order on object payloads; the first string wins.
var candidateFields = []string{
	"output",
	"text",
	"message",
	"reply",
	"result",
	"response",
	"content",
	"data.output",
	"data.text",
	"data.message",
}

// Extract reduces an arbitrary payload to display text. It is total: shapes
// it does not recognise yield "".
func Extract(v Value) string {
	switch v.kind {
	case Null:
		return ""
	case String:
		return v.str
	case Number, Bool:
		return v.scalarText()
	case Object:
		for _, name := range candidateFields {
			if field, ok := v.Path(name); ok {
				if s, ok := field.Str(); ok {
					return s
				}
			}
		}
		if len(v.fields) == 1 {
			if s, ok := v.fields[0].Value.Str(); ok {
				return s
			}
		}
		return ""
	case Array:
		for _, item := range v.items {
			if s := Extract(item); s != "" {
				return s
			}
		}
		return ""
	}
	return ""
}

// ExtractOrFallback is Extract with the Fallback text substituted for "".
func ExtractOrFallback(v Value) string {
	if s := Extract(v); s != "" {
		return s
	}
	return Fallback
}
