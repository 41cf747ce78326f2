package streamparser

import "encoding/json"

// IsValidCompleteJSON reports whether s is a single complete JSON value.
func IsValidCompleteJSON(s string) bool {
	return json.Valid([]byte(s))
}

// ExtractCompleteObjectsFromLine scans a line for fully-terminated top-level
// JSON objects and returns them in order, plus any trailing partial object.
// The assistant sometimes concatenates objects on one line or splits an
// object across writes; both cases are recovered here.
func ExtractCompleteObjectsFromLine(line string) (objects []string, remainder string) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := line[start : i+1]
					if json.Valid([]byte(candidate)) {
						objects = append(objects, candidate)
					}
					start = -1
				}
			}
		}
	}

	if depth > 0 && start >= 0 {
		remainder = line[start:]
	}
	return objects, remainder
}

// FindLastCompleteJSONStart returns the byte offset where the last complete
// top-level JSON object in s begins, or -1 when none exists. Used to locate
// the final result object in accumulated output.
func FindLastCompleteJSONStart(s string) int {
	objects, _ := ExtractCompleteObjectsFromLine(s)
	if len(objects) == 0 {
		return -1
	}
	last := objects[len(objects)-1]
	// walk object starts from the end so repeated identical objects resolve
	// to the final occurrence
	for i := len(s) - len(last); i >= 0; i-- {
		if s[i:i+len(last)] == last {
			return i
		}
	}
	return -1
}

// ExtractCompleteObjectsFromArray parses s as a top-level JSON array and
// returns each element re-serialized as its own object. Returns nil when s
// is not a complete array.
func ExtractCompleteObjectsFromArray(s string) []string {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(s), &elements); err != nil {
		return nil
	}
	objects := make([]string, 0, len(elements))
	for _, el := range elements {
		objects = append(objects, string(el))
	}
	return objects
}
