package generator

import (
	"bytes"
	"encoding/json"
	"errors"

	"mvpforge/internal/domain"
)

// wireFile accepts the field spellings the generator is known to emit.
type wireFile struct {
	Path     *string `json:"path"`
	Filename *string `json:"filename"`
	File     *string `json:"file"`
	Content  *string `json:"content"`
	Body     *string `json:"body"`
	Code     *string `json:"code"`
}

func (w wireFile) path() string {
	for _, p := range []*string{w.Path, w.Filename, w.File} {
		if p != nil && *p != "" {
			return *p
		}
	}
	return ""
}

func (w wireFile) content() (string, bool) {
	for _, c := range []*string{w.Content, w.Body, w.Code} {
		if c != nil {
			return *c, true
		}
	}
	return "", false
}

// responseShape is the tagged union of accepted envelopes:
// a bare array, {files:[...]}, {result:[...]} or {result:{files:[...]}}.
type responseShape struct {
	files []wireFile
}

func (r *responseShape) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return domain.Malformedf("empty response body")
	}
	switch data[0] {
	case '[':
		return decodeFileArray(data, &r.files)
	case '{':
		var envelope struct {
			Files  json.RawMessage `json:"files"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return domain.Malformedf("decode envelope: %v", err)
		}
		if len(envelope.Files) > 0 && !isNull(envelope.Files) {
			return decodeFileArray(envelope.Files, &r.files)
		}
		if len(envelope.Result) > 0 && !isNull(envelope.Result) {
			inner := bytes.TrimSpace(envelope.Result)
			if len(inner) > 0 && inner[0] == '{' {
				var nested struct {
					Files json.RawMessage `json:"files"`
				}
				if err := json.Unmarshal(inner, &nested); err != nil || len(nested.Files) == 0 {
					return domain.Malformedf("result object has no files")
				}
				return decodeFileArray(nested.Files, &r.files)
			}
			return decodeFileArray(inner, &r.files)
		}
		return domain.Malformedf("response has neither files nor result")
	default:
		return domain.Malformedf("unexpected response shape")
	}
}

func decodeFileArray(data []byte, out *[]wireFile) error {
	if err := json.Unmarshal(data, out); err != nil {
		return domain.Malformedf("decode files: %v", err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeFiles normalizes a generator response body into generated files.
// Missing content is an error unless allowMissingContent is set, in which case
// it becomes the empty string.
func DecodeFiles(body []byte, allowMissingContent bool) ([]domain.GeneratedFile, error) {
	var shape responseShape
	if err := json.Unmarshal(body, &shape); err != nil {
		if errors.Is(err, domain.ErrMalformedResponse) {
			return nil, err
		}
		return nil, domain.Malformedf("%v", err)
	}
	out := make([]domain.GeneratedFile, 0, len(shape.files))
	for i, wf := range shape.files {
		path := wf.path()
		if path == "" {
			return nil, domain.Malformedf("file %d has no path", i)
		}
		content, ok := wf.content()
		if !ok && !allowMissingContent {
			return nil, domain.Malformedf("file %s has no content", path)
		}
		out = append(out, domain.GeneratedFile{Path: path, Content: content})
	}
	return out, nil
}
