package storage

import "fmt"

// Row gives typed access to the current result row by column name.
type Row struct {
	cols []string
	vals []any
}

func (r *Row) value(name string) (any, error) {
	for i, c := range r.cols {
		if c == name {
			if r.vals[i] == nil {
				return nil, fmt.Errorf("%w: column %q is NULL", ErrTypeMismatch, name)
			}
			return r.vals[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no column %q", ErrTypeMismatch, name)
}

// IsNull reports whether the column is NULL or absent.
func (r *Row) IsNull(name string) bool {
	_, err := r.value(name)
	return err != nil
}

// String returns a TEXT column.
func (r *Row) String(name string) (string, error) {
	v, err := r.value(name)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return "", fmt.Errorf("%w: column %q is %T, not text", ErrTypeMismatch, name, v)
}

// Int returns an INTEGER column.
func (r *Row) Int(name string) (int64, error) {
	v, err := r.value(name)
	if err != nil {
		return 0, err
	}
	if n, ok := v.(int64); ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: column %q is %T, not integer", ErrTypeMismatch, name, v)
}

// Data returns a BLOB column. TEXT values are returned as their bytes.
func (r *Row) Data(name string) ([]byte, error) {
	v, err := r.value(name)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("%w: column %q is %T, not blob", ErrTypeMismatch, name, v)
}

// NullInt returns an optional INTEGER column.
func (r *Row) NullInt(name string) (int64, bool) {
	n, err := r.Int(name)
	return n, err == nil
}
