package schema

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func resourceURL(name string, version int) string {
	return fmt.Sprintf("mem:///schemas/%s/v%d.json", url.PathEscape(name), version)
}

func compile(name string, version int, body []byte) (*jsonschema.Schema, error) {
	ref := resourceURL(name, version)

	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return c.Compile(ref)
}

// normalize converts a Go value into the generic form the validator expects
// (maps, slices, json.Number).
func normalize(payload interface{}) (interface{}, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON serialisable: %w", err)
	}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v interface{}
	if err := d.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return v, nil
}

// violations flattens the validator's error tree into its leaves, ordered by
// instance then keyword location.
func violations(err error) []Violation {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return []Violation{{InstanceLocation: "", Message: err.Error()}}
	}

	var out []Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, Violation{
				InstanceLocation: e.InstanceLocation,
				KeywordLocation:  e.KeywordLocation,
				Message:          e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].InstanceLocation != out[j].InstanceLocation {
			return out[i].InstanceLocation < out[j].InstanceLocation
		}
		return out[i].KeywordLocation < out[j].KeywordLocation
	})
	return out
}

// sameBody compares two JSON documents structurally, ignoring formatting.
func sameBody(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}
