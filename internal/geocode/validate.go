// Package geocode resolves free-text addresses to coordinates through the
// AMap web-service geocoding API.
package geocode

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/valyala/fastjson"

	"amap-proxy-go/internal/model"
)

// Input bounds, counted in characters after trimming.
const (
	MaxAddressLength = 200
	MaxCityLength    = 50
)

// unsafeChars are stripped from user input before it is sent upstream.
var unsafeChars = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "&", "")

// ValidationError describes a rejected request body. Message is safe to
// return to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Sanitize trims s and removes characters usable for markup or query injection.
func Sanitize(s string) string {
	return strings.TrimSpace(unsafeChars.Replace(strings.TrimSpace(s)))
}

// ParseQuery parses and validates a JSON body of the form
// {"address": string, "city"?: string}.
func ParseQuery(body []byte) (model.GeocodeQuery, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return model.GeocodeQuery{}, &ValidationError{Message: "Invalid JSON body"}
	}
	if v.Type() != fastjson.TypeObject {
		return model.GeocodeQuery{}, &ValidationError{Message: "Request body must be a JSON object"}
	}

	address, err := stringField(v, "address", MaxAddressLength, true)
	if err != nil {
		return model.GeocodeQuery{}, err
	}
	city, err := stringField(v, "city", MaxCityLength, false)
	if err != nil {
		return model.GeocodeQuery{}, err
	}
	return model.GeocodeQuery{Address: address, City: city}, nil
}

// stringField validates one string field. A missing or null optional field
// yields "".
func stringField(v *fastjson.Value, name string, maxLen int, required bool) (string, error) {
	f := v.Get(name)
	if f == nil || f.Type() == fastjson.TypeNull {
		if required {
			return "", &ValidationError{Field: name, Message: fmt.Sprintf("%s is required", name)}
		}
		return "", nil
	}
	if f.Type() != fastjson.TypeString {
		return "", &ValidationError{Field: name, Message: fmt.Sprintf("%s must be a string", name)}
	}

	raw := strings.TrimSpace(string(f.GetStringBytes()))
	if raw == "" {
		return "", &ValidationError{Field: name, Message: fmt.Sprintf("%s must not be empty", name)}
	}
	if n := utf8.RuneCountInString(raw); n > maxLen {
		return "", &ValidationError{Field: name, Message: fmt.Sprintf("%s must be at most %d characters", name, maxLen)}
	}

	clean := Sanitize(raw)
	if clean == "" {
		return "", &ValidationError{Field: name, Message: fmt.Sprintf("%s must not be empty", name)}
	}
	return clean, nil
}
