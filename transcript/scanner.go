package transcript

import "strings"

const (
	openMarker = "<x-artifact"
	tagName    = "x-artifact"

	defaultArtifactName = "Artifact"
)

// artifactScanner splits one text run into plain text and artifact blocks.
// It walks the input once with a cursor; no step looks back before it.
type artifactScanner struct {
	src string
	pos int
	seq int

	// next assigns the index of the next artifact in the output list
	next func(a *Artifact)
}

func scanArtifacts(text string, sequenceIdx int, next func(a *Artifact)) []Content {
	s := &artifactScanner{src: text, seq: sequenceIdx, next: next}
	return s.run()
}

func (s *artifactScanner) run() []Content {
	var out []Content

	for {
		rel := strings.Index(s.src[s.pos:], openMarker)
		if rel < 0 {
			break
		}
		start := s.pos + rel
		out = s.appendText(out, s.src[s.pos:start])

		tagEnd := s.findTagEnd(start + len(openMarker))
		if tagEnd < 0 {
			// The opening tag itself is still streaming in.
			out = s.appendArtifact(out, false, "", "")
			s.pos = len(s.src)
			return out
		}
		attrs := s.src[start+len(openMarker) : tagEnd]
		bodyStart := tagEnd + 1

		closeStart, closeEnd := s.findClose(bodyStart)
		if closeStart < 0 {
			out = s.appendArtifact(out, false, attrs, s.src[bodyStart:])
			s.pos = len(s.src)
			return out
		}

		out = s.appendArtifact(out, true, attrs, s.src[bodyStart:closeStart])
		s.pos = closeEnd
	}

	return s.appendText(out, s.src[s.pos:])
}

func (s *artifactScanner) appendText(out []Content, text string) []Content {
	if text == "" {
		return out
	}
	return append(out, &Text{SequenceIdx: s.seq, Text: text})
}

func (s *artifactScanner) appendArtifact(out []Content, ready bool, attrs, body string) []Content {
	values := parseAttributes(attrs)

	a := &Artifact{
		Ready: ready,
		Type:  ArtifactUnknown,
		Name:  defaultArtifactName,
		Text:  strings.TrimSpace(body),
	}
	if v := values["type"]; v != "" {
		a.Type = ArtifactType(v)
	}
	if v := values["name"]; v != "" {
		a.Name = v
	}
	s.next(a)
	return append(out, a)
}

// findTagEnd returns the index of the '>' closing the opening tag, skipping
// quoted attribute values, or -1. A quote left open falls back to the first
// raw '>' so that a stray apostrophe does not swallow the artifact.
func (s *artifactScanner) findTagEnd(from int) int {
	var quote byte
	firstGT := -1
	for i := from; i < len(s.src); i++ {
		c := s.src[i]
		if c == '>' && firstGT < 0 {
			firstGT = i
		}
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return firstGT
}

// findClose locates the first closing tag at or after from. Whitespace is
// allowed around the slash and the tag name: "</ x-artifact >".
func (s *artifactScanner) findClose(from int) (int, int) {
	for i := from; i < len(s.src); i++ {
		if s.src[i] != '<' {
			continue
		}
		if end := matchClose(s.src, i); end > 0 {
			return i, end
		}
	}
	return -1, -1
}

func matchClose(src string, i int) int {
	j := skipSpace(src, i+1)
	if j >= len(src) || src[j] != '/' {
		return -1
	}
	j = skipSpace(src, j+1)
	if !strings.HasPrefix(src[j:], tagName) {
		return -1
	}
	j = skipSpace(src, j+len(tagName))
	if j >= len(src) || src[j] != '>' {
		return -1
	}
	return j + 1
}

func skipSpace(src string, i int) int {
	for i < len(src) && isSpace(src[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parseAttributes reads key="value", key='value' and key=value pairs.
// Keys are lower-cased; bare keys without a value are ignored.
func parseAttributes(src string) map[string]string {
	attrs := make(map[string]string)

	i := 0
	for i < len(src) {
		i = skipSpace(src, i)
		start := i
		for i < len(src) && isKeyChar(src[i]) {
			i++
		}
		if i == start {
			i++ // stray character such as '/'
			continue
		}
		key := strings.ToLower(src[start:i])

		i = skipSpace(src, i)
		if i >= len(src) || src[i] != '=' {
			continue
		}
		i = skipSpace(src, i+1)
		if i >= len(src) {
			break
		}

		var value string
		if q := src[i]; q == '"' || q == '\'' {
			end := strings.IndexByte(src[i+1:], q)
			if end < 0 {
				value = src[i+1:]
				i = len(src)
			} else {
				value = src[i+1 : i+1+end]
				i += end + 2
			}
		} else {
			vs := i
			for i < len(src) && !isSpace(src[i]) && src[i] != '/' {
				i++
			}
			value = src[vs:i]
		}
		attrs[key] = value
	}

	return attrs
}
