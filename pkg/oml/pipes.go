package oml

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"encoding/json"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"wparse/pkg/types"
)

// asChars is the common guard every string-shaped pipe uses: anything
// that isn't already Chars is rendered first via Raw, matching the rest
// of the conversion table's leniency.
func asChars(v types.Value) string {
	if v.Kind == types.KindChars {
		return v.Chars
	}
	return v.Raw()
}

func Base64Encode(v types.Value, _ []string) (types.Value, error) {
	return types.Chars(base64.StdEncoding.EncodeToString([]byte(asChars(v)))), nil
}

func Base64Decode(v types.Value, _ []string) (types.Value, error) {
	b, err := base64.StdEncoding.DecodeString(asChars(v))
	if err != nil {
		return v, err
	}
	return types.Chars(string(b)), nil
}

func HTMLEscape(v types.Value, _ []string) (types.Value, error) {
	return types.Chars(html.EscapeString(asChars(v))), nil
}

func HTMLUnescape(v types.Value, _ []string) (types.Value, error) {
	return types.Chars(html.UnescapeString(asChars(v))), nil
}

func JSONEscape(v types.Value, _ []string) (types.Value, error) {
	b, err := json.Marshal(asChars(v))
	if err != nil {
		return v, err
	}
	s := string(b)
	return types.Chars(s[1 : len(s)-1]), nil
}

func JSONUnescape(v types.Value, _ []string) (types.Value, error) {
	var s string
	if err := json.Unmarshal([]byte(`"`+asChars(v)+`"`), &s); err != nil {
		return v, err
	}
	return types.Chars(s), nil
}

// PathFileName / PathDir split a filesystem-style path the way the pipe
// table describes ("file name / directory").
func PathFileName(v types.Value, _ []string) (types.Value, error) {
	return types.Chars(path.Base(asChars(v))), nil
}

func PathDir(v types.Value, _ []string) (types.Value, error) {
	return types.Chars(path.Dir(asChars(v))), nil
}

// URLParse extracts one URL component named by args[0]: host, path,
// params (raw query string), or domain (host without port).
func URLParse(v types.Value, args []string) (types.Value, error) {
	if len(args) == 0 {
		return v, errors.New("url pipe requires a component argument")
	}
	u, err := url.Parse(asChars(v))
	if err != nil {
		return v, err
	}
	switch args[0] {
	case "host":
		return types.Chars(u.Host), nil
	case "uri", "path":
		return types.Chars(u.Path), nil
	case "params":
		return types.Chars(u.RawQuery), nil
	case "domain":
		return types.Chars(u.Hostname()), nil
	default:
		return v, fmt.Errorf("unknown url component %q", args[0])
	}
}

// IP4Int converts a dotted-quad IPv4 address to its big-endian integer
// representation.
func IP4Int(v types.Value, _ []string) (types.Value, error) {
	s := asChars(v)
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return v, fmt.Errorf("not a v4 address: %s", s)
	}
	var n int64
	for _, p := range parts {
		octet, err := strconv.Atoi(p)
		if err != nil || octet < 0 || octet > 255 {
			return v, fmt.Errorf("not a v4 address: %s", s)
		}
		n = n<<8 | int64(octet)
	}
	return types.Digit(n), nil
}

// ArrGet indexes into an Array-valued field.
func ArrGet(v types.Value, args []string) (types.Value, error) {
	if v.Kind != types.KindArray || len(args) == 0 {
		return v, errors.New("arr_get requires an array value and index")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 0 || idx >= len(v.Array) {
		return v, fmt.Errorf("arr_get index out of range: %s", args[0])
	}
	return v.Array[idx].Value, nil
}

// ObjGet walks a dotted path through nested Obj values.
func ObjGet(v types.Value, args []string) (types.Value, error) {
	if len(args) == 0 {
		return v, errors.New("obj_get requires a dotted path")
	}
	cur := v
	for _, key := range strings.Split(args[0], ".") {
		if cur.Kind != types.KindObj {
			return v, fmt.Errorf("obj_get: %q is not an object", key)
		}
		found := false
		for _, f := range cur.Obj {
			if f.Name == key {
				cur = f.Value
				found = true
				break
			}
		}
		if !found {
			return v, fmt.Errorf("obj_get: missing key %q", key)
		}
	}
	return cur, nil
}

// EpochSeconds / EpochMillis / EpochMicros convert a Time value to its
// Unix-epoch Digit representation at the named resolution.
func EpochSeconds(v types.Value, _ []string) (types.Value, error) { return epoch(v, 1) }
func EpochMillis(v types.Value, _ []string) (types.Value, error) { return epoch(v, 1e3) }
func EpochMicros(v types.Value, _ []string) (types.Value, error) { return epoch(v, 1e6) }

func epoch(v types.Value, scale int64) (types.Value, error) {
	if v.Kind != types.KindTime {
		return v, errors.New("not a time value")
	}
	unixNanos := v.Time.UnixNano()
	switch scale {
	case 1:
		return types.Digit(unixNanos / int64(time.Second)), nil
	case 1e3:
		return types.Digit(unixNanos / int64(time.Millisecond)), nil
	default:
		return types.Digit(unixNanos / int64(time.Microsecond)), nil
	}
}

// ToTimestampZone reinterprets a Time value in a fixed-offset timezone
// (args[0] is the offset in minutes, e.g. "+480"; args[1] is the output
// unit: "s", "ms", or "us").
func ToTimestampZone(v types.Value, args []string) (types.Value, error) {
	if v.Kind != types.KindTime {
		return v, errors.New("not a time value")
	}
	if len(args) < 2 {
		return v, errors.New("to_timestamp_zone requires offset and unit")
	}
	offsetMin, err := strconv.Atoi(args[0])
	if err != nil {
		return v, fmt.Errorf("invalid offset: %s", args[0])
	}
	loc := time.FixedZone(args[0], offsetMin*60)
	t := v.Time.In(loc)
	switch args[1] {
	case "s":
		return types.Digit(t.Unix()), nil
	case "ms":
		return types.Digit(t.UnixNano() / int64(time.Millisecond)), nil
	case "us":
		return types.Digit(t.UnixNano() / int64(time.Microsecond)), nil
	default:
		return v, fmt.Errorf("unknown time unit %q", args[1])
	}
}

// SkipIfEmpty turns an empty value into Ignore so downstream serialization
// drops the field entirely.
func SkipIfEmpty(v types.Value, _ []string) (types.Value, error) {
	if v.IsEmpty() {
		return types.Ignore(), nil
	}
	return v, nil
}

// sxfKeyTable maps every recognised bilingual log key to its canonical
// name.
var sxfKeyTable = map[string]string{
	"username":   "username",
	"用户名":        "username",
	"password":   "password",
	"密码":         "password",
	"requestHeaders":  "requestHeaders",
	"请求头":            "requestHeaders",
	"responseHeaders": "responseHeaders",
	"响应头":            "responseHeaders",
	"requestBody":  "requestBody",
	"请求体":          "requestBody",
	"responseBody": "responseBody",
	"响应体":          "responseBody",
	"clientIp":   "clientIp",
	"客户端IP":      "clientIp",
	"traceId":    "traceId",
	"追踪ID":       "traceId",
}

// SxfGet scans a raw "key: value" style diagnostic line for a closed set
// of bilingual tokens and returns the value bound to the canonical name
// args[0] resolves to, or empty Chars if not found.
func SxfGet(v types.Value, args []string) (types.Value, error) {
	if len(args) == 0 {
		return v, errors.New("sxf_get requires a key argument")
	}
	want := args[0]
	if canon, ok := sxfKeyTable[want]; ok {
		want = canon
	}
	raw := asChars(v)
	for _, line := range strings.Split(raw, "\n") {
		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			continue
		}
		key := strings.TrimSpace(line[:sep])
		canon, ok := sxfKeyTable[key]
		if !ok || canon != want {
			continue
		}
		return types.Chars(strings.TrimSpace(line[sep+1:])), nil
	}
	return types.Chars(""), nil
}
