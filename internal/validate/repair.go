package validate

import (
	"strings"
)

// Repair attempts to recover a JSON document from near-valid model output:
// markdown code fences and surrounding prose are stripped, control noise is
// dropped, trailing commas are removed and a document truncated mid-stream is
// closed. It reports false when nothing usable was found or nothing changed.
func Repair(text string) (string, bool) {
	s := stripFence(text)
	s = dropControl(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	s = s[start:]

	var (
		out      strings.Builder
		stack    []byte
		inString bool
		escaped  bool
	)
	out.Grow(len(s) + 8)

scan:
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			out.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", false
			}
			trimTrailingComma(&out)
			stack = stack[:len(stack)-1]
			out.WriteByte(ch)
			if len(stack) == 0 {
				break scan
			}
			continue
		}
		out.WriteByte(ch)
	}

	if inString {
		if escaped {
			// Drop a dangling backslash so the closing quote is not escaped.
			str := out.String()
			out.Reset()
			out.WriteString(str[:len(str)-1])
		}
		out.WriteByte('"')
	}
	if len(stack) > 0 {
		str := strings.TrimRight(out.String(), " \t\r\n")
		str = strings.TrimSuffix(str, ",")
		if strings.HasSuffix(str, ":") {
			str += "null"
		}
		out.Reset()
		out.WriteString(str)
		for i := len(stack) - 1; i >= 0; i-- {
			out.WriteByte(stack[i])
		}
	}

	repaired := out.String()
	if repaired == strings.TrimSpace(text) {
		return "", false
	}
	return repaired, true
}

// stripFence returns the body of the first ``` fenced block, if any.
func stripFence(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Skip the language tag line ("```json").
		if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

func dropControl(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func trimTrailingComma(b *strings.Builder) {
	str := b.String()
	trimmed := strings.TrimRight(str, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		b.Reset()
		b.WriteString(trimmed[:len(trimmed)-1])
	}
}
