package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// WriteJSONL writes one item per line. It returns the number written.
func WriteJSONL(w io.Writer, items []schema.Item) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, it := range items {
		if err := enc.Encode(it); err != nil {
			return i, fmt.Errorf("failed to encode item %s: %w", it.Key, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(items), fmt.Errorf("failed to write JSONL: %w", err)
	}
	return len(items), nil
}

// ReadJSONL reads one JSON object per line for upload. Blank lines are
// skipped. A line that is a full item record is reduced to its data
// payload, so an export can be uploaded again.
func ReadJSONL(r io.Reader) ([]json.RawMessage, error) {
	var objects []json.RawMessage
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		obj := line
		if len(probe.Data) > 0 {
			obj = probe.Data
		}
		objects = append(objects, append(json.RawMessage(nil), obj...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return objects, nil
}
