package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

// Info logs a message with key/value fields using a consistent component prefix.
func Info(component, msg string, kv ...any) {
	write("INFO", component, msg, kv...)
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...any) {
	write("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...any) {
	write("ERROR", component, msg, kv...)
}

func write(level, component, msg string, kv ...any) {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(os.Getenv("OFFERD_LOG_FORMAT"), "json")
	})
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	if logAsJSON {
		entry := map[string]any{
			"level":     strings.ToLower(level),
			"component": component,
			"msg":       msg,
		}
		for i := 0; i < len(kv); i += 2 {
			entry[toString(kv[i])] = kv[i+1]
		}
		if data, err := json.Marshal(entry); err == nil {
			log.Print(string(data))
			return
		}
	}
	if level == "INFO" {
		log.Printf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
		return
	}
	log.Printf("[%s] %s %s%s", strings.ToUpper(component), level, msg, formatFields(kv...))
}

func formatFields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		s := strings.TrimSpace(fmt.Sprintf("%v", t))
		s = strings.ReplaceAll(s, "\n", " ")
		return strings.TrimSpace(strings.ReplaceAll(s, "\t", " "))
	}
}
