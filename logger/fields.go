package logger

// Field helper constructors for creating structured log fields.

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Error creates an error field
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value type
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
