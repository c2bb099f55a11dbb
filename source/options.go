package source

import (
	"fmt"
	"sort"
	"strings"
)

// Recognized output plugin startup parameters.
const (
	OptExpectedEncoding    = "expected_encoding"
	OptMinProtoVersion     = "min_proto_version"
	OptMaxProtoVersion     = "max_proto_version"
	OptStartupParamsFormat = "startup_params_format"
)

// Options overrides the default startup parameters sent to the output
// plugin. A nil value removes the parameter from the outgoing list entirely
// (it is never sent as NULL); a non-nil value replaces the default.
type Options map[string]*string

// String is a convenience for building Options literals.
func String(v string) *string {
	return &v
}

func defaultParams() map[string]string {
	return map[string]string{
		OptExpectedEncoding:    "UTF8",
		OptMinProtoVersion:     "1",
		OptMaxProtoVersion:     "1",
		OptStartupParamsFormat: "1",
	}
}

// merged overlays the caller's options onto the defaults and drops omitted
// parameters.
func (o Options) merged() map[string]string {
	params := defaultParams()
	for k, v := range o {
		if v == nil {
			delete(params, k)
			continue
		}
		params[k] = *v
	}
	return params
}

// Params renders the merged parameters as a flat key, value, key, value list
// in deterministic order, the shape pg_logical_slot_get_binary_changes
// expects for its variadic options.
func (o Options) Params() []string {
	params := o.merged()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flat := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		flat = append(flat, k, params[k])
	}
	return flat
}

// PluginArgs renders the merged parameters as START_REPLICATION option
// clauses ("key 'value'") in deterministic order.
func (o Options) PluginArgs() []string {
	params := o.merged()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s '%s'", k, strings.ReplaceAll(params[k], "'", "''")))
	}
	return args
}
