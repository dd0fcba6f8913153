// Package router compiles path templates with typed parameters into
// anchored matchers and dispatches requests to the first matching route in
// registration order.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Prefix is prepended to every registered path template.
const Prefix = "/api/v1/"

// ParamKind is the declared type of a path parameter.
type ParamKind int

const (
	KindString ParamKind = iota
	KindInt
	KindFloat
	KindBool
	KindUUID
)

func (k ParamKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

func parseKind(s string) (ParamKind, error) {
	switch s {
	case "", "string":
		return KindString, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "bool":
		return KindBool, nil
	case "uuid":
		return KindUUID, nil
	default:
		return KindString, fmt.Errorf("unknown parameter kind %q", s)
	}
}

// Param is one typed parameter spec, in declaration order.
type Param struct {
	Name string
	Kind ParamKind
}

// HandlerFunc handles a matched request. params maps parameter names to the
// raw string values extracted from the path.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, params map[string]string)

// RouteSpec is the registration input for one route.
type RouteSpec struct {
	Method       string
	Path         string
	Handler      HandlerFunc
	RequiresAuth bool
	CacheEnabled bool
	RateLimit    int
}

// Route is a compiled, immutable entry.
type Route struct {
	Method       string
	Template     string
	Params       []Param
	Handler      HandlerFunc
	RequiresAuth bool
	CacheEnabled bool
	RateLimit    int

	pattern *regexp.Regexp
}

// ErrFrozen is returned when a route is added after serving has started.
var ErrFrozen = errors.New("router: route table is frozen")

// Matcher holds the append-only route table. Registration must complete
// before Freeze; lookups afterwards take no lock.
type Matcher struct {
	mu     sync.Mutex
	routes []*Route
	frozen atomic.Bool
}

// NewMatcher returns an empty matcher.
func NewMatcher() *Matcher { return &Matcher{} }

// paramSegment matches ":name" or ":name(kind)".
var paramSegment = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(?:\(([a-z]+)\))?$`)

// Add compiles and appends a route. Duplicate registrations are permitted;
// the earlier one wins at match time.
func (m *Matcher) Add(spec RouteSpec) (*Route, error) {
	if m.frozen.Load() {
		return nil, ErrFrozen
	}
	if spec.Handler == nil {
		return nil, errors.New("router: nil handler")
	}

	template := strings.TrimPrefix(spec.Path, "/")
	full := Prefix + template

	var (
		pattern strings.Builder
		params  []Param
	)
	pattern.WriteString("^")
	for i, seg := range strings.Split(full, "/") {
		if i > 0 {
			pattern.WriteString("/")
		}
		sub := paramSegment.FindStringSubmatch(seg)
		if sub == nil {
			pattern.WriteString(regexp.QuoteMeta(seg))
			continue
		}
		kind, err := parseKind(sub[2])
		if err != nil {
			return nil, fmt.Errorf("router: %s: %w", spec.Path, err)
		}
		params = append(params, Param{Name: sub[1], Kind: kind})
		pattern.WriteString("(?P<" + sub[1] + ">[^/]+)")
	}
	pattern.WriteString("$")

	compiled, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("router: compiling %s: %w", spec.Path, err)
	}

	route := &Route{
		Method:       strings.ToUpper(spec.Method),
		Template:     full,
		Params:       params,
		Handler:      spec.Handler,
		RequiresAuth: spec.RequiresAuth,
		CacheEnabled: spec.CacheEnabled,
		RateLimit:    spec.RateLimit,
		pattern:      compiled,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return nil, ErrFrozen
	}
	m.routes = append(m.routes, route)
	return route, nil
}

// Freeze forbids further registration. Called by the lifecycle right before
// the listener starts.
func (m *Matcher) Freeze() { m.frozen.Store(true) }

// Len reports the number of registered routes.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

// Find scans routes in registration order and returns the first whose
// pattern and method both match, together with the extracted raw parameter
// values. A path match with a different method does not count; if nothing
// matches, the route is nil.
func (m *Matcher) Find(method, path string) (*Route, map[string]string) {
	method = strings.ToUpper(method)

	m.mu.Lock()
	routes := m.routes
	m.mu.Unlock()

	for _, route := range routes {
		sub := route.pattern.FindStringSubmatch(path)
		if sub == nil || route.Method != method {
			continue
		}
		params := make(map[string]string, len(route.Params))
		for i, name := range route.pattern.SubexpNames() {
			if i > 0 && name != "" {
				params[name] = sub[i]
			}
		}
		return route, params
	}
	return nil, nil
}

// ValidateParams attempts the typed conversion for every extracted value.
// A failure means the request must be rejected with 400 before the handler
// runs.
func ValidateParams(route *Route, params map[string]string) error {
	for _, p := range route.Params {
		raw, ok := params[p.Name]
		if !ok {
			return fmt.Errorf("router: missing parameter %q", p.Name)
		}
		if err := convert(p.Kind, raw); err != nil {
			return fmt.Errorf("router: parameter %q: %w", p.Name, err)
		}
	}
	return nil
}

func convert(kind ParamKind, raw string) error {
	switch kind {
	case KindString:
		return nil
	case KindInt:
		_, err := strconv.ParseInt(raw, 10, 64)
		return err
	case KindFloat:
		_, err := strconv.ParseFloat(raw, 64)
		return err
	case KindBool:
		switch strings.ToLower(raw) {
		case "true", "1", "false", "0":
			return nil
		}
		return fmt.Errorf("invalid bool %q", raw)
	case KindUUID:
		if raw == "" {
			return errors.New("empty uuid")
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %d", kind)
	}
}
