package datatypes

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is shared; validator.Validate is safe for concurrent use.
var validate = validator.New()

// Builtins returns the built-in data type definitions.
func Builtins() []Definition {
	return []Definition{
		{Name: "string", Description: "Text value", Factory: newStringType},
		{Name: "number", Description: "Numeric value", Factory: newNumberType},
		{Name: "boolean", Description: "true/false value", Factory: newBooleanType},
		{Name: "url", Description: "Absolute URL", Factory: newURLType},
		{Name: "email", Description: "Email address", Factory: newTagType("email", "email")},
		{Name: "hostname", Description: "RFC 1123 hostname", Factory: newTagType("hostname", "hostname_rfc1123")},
		{Name: "semver", Description: "Semantic version", Factory: newTagType("semver", "semver")},
		{Name: "ip", Description: "IPv4 or IPv6 address", Factory: newIPType},
		{Name: "port", Description: "TCP/UDP port number", Factory: newPortType},
		{Name: "enum", Description: "One of a fixed list of values", Factory: newEnumType},
		{Name: "uuid", Description: "RFC 4122 UUID", Factory: newUUIDType},
	}
}

type baseType struct {
	name      string
	sensitive bool
}

func (b baseType) Name() string      { return b.name }
func (b baseType) IsSensitive() bool { return b.sensitive }

// ToString renders a resolved value the way it would appear in an environment.
func ToString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// settingsReader pulls typed keyed settings and rejects unknown keys.
type settingsReader struct {
	s    Settings
	used map[string]bool
	err  error
}

func readSettings(s Settings) *settingsReader {
	return &settingsReader{s: s, used: make(map[string]bool)}
}

func (r *settingsReader) number(key string) *float64 {
	r.used[key] = true
	raw, ok := r.s.KwArgs[key]
	if !ok || r.err != nil {
		return nil
	}
	f, ok := raw.(float64)
	if !ok {
		r.err = fmt.Errorf("%s must be a number", key)
		return nil
	}
	return &f
}

func (r *settingsReader) integer(key string) *int {
	f := r.number(key)
	if f == nil {
		return nil
	}
	if *f != math.Trunc(*f) || *f < 0 {
		r.err = fmt.Errorf("%s must be a non-negative integer", key)
		return nil
	}
	n := int(*f)
	return &n
}

func (r *settingsReader) str(key string) string {
	r.used[key] = true
	raw, ok := r.s.KwArgs[key]
	if !ok || r.err != nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		r.err = fmt.Errorf("%s must be a string", key)
	}
	return s
}

func (r *settingsReader) flag(key string) bool {
	r.used[key] = true
	raw, ok := r.s.KwArgs[key]
	if !ok || r.err != nil {
		return false
	}
	b, ok := raw.(bool)
	if !ok {
		r.err = fmt.Errorf("%s must be true or false", key)
	}
	return b
}

func (r *settingsReader) done(allowArgs bool) error {
	if r.err != nil {
		return r.err
	}
	if !allowArgs && len(r.s.Args) > 0 {
		return fmt.Errorf("positional settings are not supported")
	}
	for key := range r.s.KwArgs {
		if !r.used[key] {
			return fmt.Errorf("unknown setting %q", key)
		}
	}
	return nil
}

// string

type stringType struct {
	baseType
	minLength, maxLength, isLength *int
	startsWith, endsWith          string
	matches                       *regexp.Regexp
	toUpper, toLower              bool
}

func newStringType(s Settings) (DataType, error) {
	r := readSettings(s)
	t := &stringType{
		baseType:   baseType{name: "string"},
		minLength:  r.integer("minLength"),
		maxLength:  r.integer("maxLength"),
		isLength:   r.integer("isLength"),
		startsWith: r.str("startsWith"),
		endsWith:   r.str("endsWith"),
		toUpper:    r.flag("toUpperCase"),
		toLower:    r.flag("toLowerCase"),
	}
	if pattern := r.str("matches"); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		t.matches = re
	}
	if err := r.done(false); err != nil {
		return nil, err
	}
	if t.toUpper && t.toLower {
		return nil, fmt.Errorf("toUpperCase and toLowerCase are mutually exclusive")
	}
	return t, nil
}

func (t *stringType) Coerce(raw any) (any, error) {
	s := ToString(raw)
	switch {
	case t.toUpper:
		s = strings.ToUpper(s)
	case t.toLower:
		s = strings.ToLower(s)
	}
	return s, nil
}

func (t *stringType) Validate(v any) []error {
	s, _ := v.(string)
	n := utf8.RuneCountInString(s)
	var errs []error
	if t.minLength != nil && n < *t.minLength {
		errs = append(errs, fmt.Errorf("must be at least %d characters", *t.minLength))
	}
	if t.maxLength != nil && n > *t.maxLength {
		errs = append(errs, fmt.Errorf("must be at most %d characters", *t.maxLength))
	}
	if t.isLength != nil && n != *t.isLength {
		errs = append(errs, fmt.Errorf("must be exactly %d characters", *t.isLength))
	}
	if t.startsWith != "" && !strings.HasPrefix(s, t.startsWith) {
		errs = append(errs, fmt.Errorf("must start with %q", t.startsWith))
	}
	if t.endsWith != "" && !strings.HasSuffix(s, t.endsWith) {
		errs = append(errs, fmt.Errorf("must end with %q", t.endsWith))
	}
	if t.matches != nil && !t.matches.MatchString(s) {
		errs = append(errs, fmt.Errorf("must match /%s/", t.matches.String()))
	}
	return errs
}

// number

type numberType struct {
	baseType
	min, max, divisibleBy *float64
	isInt                 bool
	precision             *int
}

func newNumberType(s Settings) (DataType, error) {
	r := readSettings(s)
	t := &numberType{
		baseType:    baseType{name: "number"},
		min:         r.number("min"),
		max:         r.number("max"),
		divisibleBy: r.number("isDivisibleBy"),
		isInt:       r.flag("isInt"),
		precision:   r.integer("precision"),
	}
	if err := r.done(false); err != nil {
		return nil, err
	}
	if t.divisibleBy != nil && *t.divisibleBy == 0 {
		return nil, fmt.Errorf("isDivisibleBy must not be zero")
	}
	return t, nil
}

func coerceNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("could not coerce %q to a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("could not coerce %v to a number", raw)
	}
}

func (t *numberType) Coerce(raw any) (any, error) {
	f, err := coerceNumber(raw)
	if err != nil {
		return nil, err
	}
	if t.precision != nil {
		scale := math.Pow(10, float64(*t.precision))
		f = math.Round(f*scale) / scale
	}
	return f, nil
}

func (t *numberType) Validate(v any) []error {
	f, _ := v.(float64)
	var errs []error
	if t.isInt && f != math.Trunc(f) {
		errs = append(errs, fmt.Errorf("must be an integer"))
	}
	if t.min != nil && f < *t.min {
		errs = append(errs, fmt.Errorf("must be >= %v", *t.min))
	}
	if t.max != nil && f > *t.max {
		errs = append(errs, fmt.Errorf("must be <= %v", *t.max))
	}
	if t.divisibleBy != nil && math.Mod(f, *t.divisibleBy) != 0 {
		errs = append(errs, fmt.Errorf("must be divisible by %v", *t.divisibleBy))
	}
	return errs
}

// boolean

type booleanType struct{ baseType }

func newBooleanType(s Settings) (DataType, error) {
	if err := readSettings(s).done(false); err != nil {
		return nil, err
	}
	return &booleanType{baseType{name: "boolean"}}, nil
}

func (t *booleanType) Coerce(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "1", "yes", "on":
			return true, nil
		case "false", "f", "0", "no", "off":
			return false, nil
		}
	}
	return nil, fmt.Errorf("could not coerce %v to a boolean", raw)
}

func (t *booleanType) Validate(any) []error { return nil }

// url

type urlType struct {
	baseType
	prependHTTPS bool
	requireHTTPS bool
}

func newURLType(s Settings) (DataType, error) {
	r := readSettings(s)
	t := &urlType{
		baseType:     baseType{name: "url"},
		prependHTTPS: r.flag("prependHttps"),
		requireHTTPS: r.flag("requireHttps"),
	}
	if err := r.done(false); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *urlType) Coerce(raw any) (any, error) {
	s := strings.TrimSpace(ToString(raw))
	if t.prependHTTPS && !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s, nil
}

func (t *urlType) Validate(v any) []error {
	s, _ := v.(string)
	if err := validate.Var(s, "url"); err != nil {
		return []error{fmt.Errorf("%q is not a valid URL", s)}
	}
	if t.requireHTTPS && !strings.HasPrefix(strings.ToLower(s), "https://") {
		return []error{fmt.Errorf("URL must use https")}
	}
	return nil
}

// validator-tag backed string types

type tagType struct {
	baseType
	tag string
}

func newTagType(name, tag string) Factory {
	return func(s Settings) (DataType, error) {
		if err := readSettings(s).done(false); err != nil {
			return nil, err
		}
		return &tagType{baseType: baseType{name: name}, tag: tag}, nil
	}
}

func newIPType(s Settings) (DataType, error) {
	r := readSettings(s)
	version := r.number("version")
	if err := r.done(false); err != nil {
		return nil, err
	}
	tag := "ip"
	if version != nil {
		switch *version {
		case 4:
			tag = "ipv4"
		case 6:
			tag = "ipv6"
		default:
			return nil, fmt.Errorf("version must be 4 or 6")
		}
	}
	return &tagType{baseType: baseType{name: "ip"}, tag: tag}, nil
}

func (t *tagType) Coerce(raw any) (any, error) {
	return strings.TrimSpace(ToString(raw)), nil
}

func (t *tagType) Validate(v any) []error {
	if err := validate.Var(v, t.tag); err != nil {
		return []error{fmt.Errorf("%q is not a valid %s", ToString(v), t.name)}
	}
	return nil
}

// port

type portType struct {
	baseType
	min, max float64
}

func newPortType(s Settings) (DataType, error) {
	r := readSettings(s)
	t := &portType{baseType: baseType{name: "port"}, min: 0, max: 65535}
	if min := r.number("min"); min != nil {
		t.min = *min
	}
	if max := r.number("max"); max != nil {
		t.max = *max
	}
	if err := r.done(false); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *portType) Coerce(raw any) (any, error) { return coerceNumber(raw) }

func (t *portType) Validate(v any) []error {
	f, _ := v.(float64)
	if f != math.Trunc(f) {
		return []error{fmt.Errorf("port must be an integer")}
	}
	if f < t.min || f > t.max {
		return []error{fmt.Errorf("port must be between %v and %v", t.min, t.max)}
	}
	return nil
}

// enum

type enumType struct {
	baseType
	values []any
}

func newEnumType(s Settings) (DataType, error) {
	if len(s.Args) == 0 {
		return nil, fmt.Errorf("enum requires at least one value")
	}
	if err := readSettings(s).done(true); err != nil {
		return nil, err
	}
	return &enumType{baseType: baseType{name: "enum"}, values: s.Args}, nil
}

func (t *enumType) Coerce(raw any) (any, error) {
	rs := ToString(raw)
	for _, v := range t.values {
		if ToString(v) == rs {
			return v, nil
		}
	}
	return raw, nil
}

func (t *enumType) Validate(v any) []error {
	for _, allowed := range t.values {
		if allowed == v {
			return nil
		}
	}
	opts := make([]string, len(t.values))
	for i, allowed := range t.values {
		opts[i] = ToString(allowed)
	}
	return []error{fmt.Errorf("%q is not one of [%s]", ToString(v), strings.Join(opts, ", "))}
}

// uuid

type uuidType struct {
	baseType
	version *float64
}

func newUUIDType(s Settings) (DataType, error) {
	r := readSettings(s)
	t := &uuidType{baseType: baseType{name: "uuid"}, version: r.number("version")}
	if err := r.done(false); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *uuidType) Coerce(raw any) (any, error) {
	return strings.TrimSpace(ToString(raw)), nil
}

func (t *uuidType) Validate(v any) []error {
	id, err := uuid.Parse(ToString(v))
	if err != nil {
		return []error{fmt.Errorf("%q is not a valid UUID", ToString(v))}
	}
	if t.version != nil && float64(id.Version()) != *t.version {
		return []error{fmt.Errorf("expected UUID version %v, got %d", *t.version, id.Version())}
	}
	return nil
}
