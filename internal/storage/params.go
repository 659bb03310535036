package storage

import "fmt"

// ZeroBlob is a statement argument that allocates a zero-filled blob of the
// given length, to be filled later through a blob write stream.
type ZeroBlob int64

// expandZeroBlobs rewrites each positional placeholder bound to a ZeroBlob
// into zeroblob(?). Placeholders inside quoted literals are ignored.
func expandZeroBlobs(query string, args []any) (string, []any, error) {
	has := false
	for _, a := range args {
		if _, ok := a.(ZeroBlob); ok {
			has = true
			break
		}
	}
	if !has {
		return query, args, nil
	}

	out := make([]byte, 0, len(query)+16)
	expanded := make([]any, len(args))
	copy(expanded, args)
	idx := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			if idx >= len(args) {
				return "", nil, fmt.Errorf("execute: more placeholders than arguments")
			}
			if n, ok := args[idx].(ZeroBlob); ok {
				if n < 0 {
					return "", nil, fmt.Errorf("execute: negative zeroblob length %d", n)
				}
				out = append(out, "zeroblob(?)"...)
				expanded[idx] = int64(n)
				idx++
				continue
			}
			idx++
		}
		out = append(out, ch)
	}
	return string(out), expanded, nil
}
