package transcript

// Result is the presentation view of a transcript
type Result struct {
	Normalized []Message
	Artifacts  []Artifact
}

// Normalize resolves streamed text and extracts artifact blocks. It only
// reads msgs and allocates its output, so the result for a given input is
// always the same. Artifact indexes follow their order of appearance.
func Normalize(msgs []Message) Result {
	res := Result{
		Normalized: make([]Message, 0, len(msgs)),
		Artifacts:  []Artifact{},
	}

	register := func(a *Artifact) {
		a.Index = len(res.Artifacts)
		res.Artifacts = append(res.Artifacts, *a)
	}

	for _, msg := range msgs {
		current := Message{Role: msg.Role, Content: []Content{}}

		for _, c := range msg.Content {
			switch entry := c.(type) {
			case *TextChunks:
				seq, text := entry.Resolve()
				current.Content = append(current.Content, scanArtifacts(text, seq, register)...)
			case *Text:
				current.Content = append(current.Content, scanArtifacts(entry.Text, entry.SequenceIdx, register)...)
			case *Artifact:
				// Already extracted by an earlier pass.
				a := *entry
				register(&a)
				current.Content = append(current.Content, &a)
			default:
				current.Content = append(current.Content, c.clone())
			}
		}

		res.Normalized = append(res.Normalized, current)
	}

	return res
}

// ArtifactVersions returns the indexes of every artifact sharing name, in order
func (r Result) ArtifactVersions(name string) []int {
	var idx []int
	for _, a := range r.Artifacts {
		if a.Name == name {
			idx = append(idx, a.Index)
		}
	}
	return idx
}

// Text returns the plain text of a normalized message, artifacts excluded
func (m Message) Text() string {
	var out []byte
	for _, c := range m.Content {
		switch entry := c.(type) {
		case *Text:
			out = append(out, entry.Text...)
		case *TextChunks:
			_, text := entry.Resolve()
			out = append(out, text...)
		}
	}
	return string(out)
}
