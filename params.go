package conductor

import (
	"fmt"
	"strconv"
	"time"
)

type (
	// ParamType tags a parameter descriptor with its declared type
	ParamType int

	// Param describes one declared command parameter. A required parameter
	// with neither a supplied value nor a default fails resolution
	Param struct {
		Name     string
		Type     ParamType
		Required bool
		Default  any
	}

	// Schema is a command's declared parameter list
	Schema []Param

	// Args holds resolved, coerced parameters keyed by name
	Args map[string]any
)

const (
	TypeAny ParamType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeList
	TypeMap
)

// resolve maps supplied values by name onto the declared schema, coercing
// each by its declared type. Values outside the schema are ignored
func (s Schema) resolve(supplied map[string]any) (Args, error) {
	args := make(Args, len(s))
	for _, p := range s {
		value, ok := supplied[p.Name]
		if !ok {
			if p.Default != nil {
				value = p.Default
			} else if p.Required {
				return nil, &ParameterError{
					Name:   p.Name,
					Reason: "required and no default declared",
				}
			} else {
				continue
			}
		}
		coerced, err := p.coerce(value)
		if err != nil {
			return nil, err
		}
		args[p.Name] = coerced
	}
	return args, nil
}

// coerce converts a supplied value to the parameter's declared type,
// returning a typed error rather than a silent default on mismatch
func (p Param) coerce(value any) (any, error) {
	switch p.Type {
	case TypeAny:
		return value, nil
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case float32:
			if float64(v) == float64(int64(v)) {
				return int64(v), nil
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, nil
			}
		}
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
		}
	case TypeTime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, nil
			}
		}
	case TypeList:
		if l, ok := value.([]any); ok {
			return l, nil
		}
	case TypeMap:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, &ParameterError{
		Name:   p.Name,
		Reason: fmt.Sprintf("cannot coerce %T to %s", value, p.Type),
	}
}

func (t ParamType) String() string {
	switch t {
	case TypeAny:
		return "any"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	}
	return "unknown"
}

// String returns a resolved string argument, empty when absent
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns a resolved integer argument, zero when absent
func (a Args) Int(name string) int64 {
	n, _ := a[name].(int64)
	return n
}

// Float returns a resolved float argument, zero when absent
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns a resolved boolean argument, false when absent
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Time returns a resolved time argument, zero when absent
func (a Args) Time(name string) time.Time {
	t, _ := a[name].(time.Time)
	return t
}

// List returns a resolved list argument, nil when absent
func (a Args) List(name string) []any {
	l, _ := a[name].([]any)
	return l
}

// Map returns a resolved map argument, nil when absent
func (a Args) Map(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}
