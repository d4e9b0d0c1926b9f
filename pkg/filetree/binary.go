package filetree

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// IsDataURI reports whether contents is a data: URI.
func IsDataURI(contents string) bool {
	return strings.HasPrefix(contents, "data:")
}

// DecodeDataURI decodes a data: URI into its bytes and media type.
// Both base64 and percent-encoded payloads are accepted.
func DecodeDataURI(uri string) ([]byte, string, error) {
	if !IsDataURI(uri) {
		return nil, "", fmt.Errorf("not a data URI")
	}
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("data URI has no payload separator")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		meta = strings.TrimSuffix(meta, ";base64")
	}
	mediaType := meta
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode base64 payload: %w", err)
		}
		return data, mediaType, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	return []byte(decoded), mediaType, nil
}

// Bytes returns the raw bytes of a file, decoding base64 and data: URI payloads.
func (f *File) Bytes() ([]byte, error) {
	switch {
	case f.Encoding == EncodingBase64:
		return base64.StdEncoding.DecodeString(f.Contents)
	case IsDataURI(f.Contents):
		data, _, err := DecodeDataURI(f.Contents)
		return data, err
	default:
		return []byte(f.Contents), nil
	}
}

// IsBinary reports whether the file must take the binary write path.
func (f *File) IsBinary() bool {
	return f.Encoding == EncodingBase64 || IsDataURI(f.Contents)
}

// SplitBinary separates files that need a binary write from text files.
// Text mounts assume UTF-8, so binary payloads are decoded here and written
// one by one by the caller. Files whose payload fails to decode stay in the
// text tree unchanged.
func SplitBinary(t Tree) (text Tree, binary map[string][]byte) {
	text = t
	binary = make(map[string][]byte)
	for path, f := range Flatten(t) {
		if !f.IsBinary() {
			continue
		}
		data, err := f.Bytes()
		if err != nil {
			continue
		}
		binary[path] = data
		text = Delete(text, path)
	}
	return text, binary
}

// NewBinaryFile returns a file node holding data base64 encoded.
func NewBinaryFile(data []byte) *Node {
	return &Node{File: &File{Contents: base64.StdEncoding.EncodeToString(data), Encoding: EncodingBase64}}
}

// FromBytes returns a text node for valid UTF-8 and a base64 node otherwise.
func FromBytes(data []byte) *Node {
	if utf8.Valid(data) {
		return NewFile(string(data))
	}
	return NewBinaryFile(data)
}
