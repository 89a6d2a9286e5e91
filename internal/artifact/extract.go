// Package artifact extracts and decodes the structured records that phase
// agents embed in their free-form output. A record is a fenced ```json or
// ```yaml block; prose around it is ignored.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/convoy/internal/errors"
)

// ErrNoBlock is returned when the text contains no json or yaml fence.
var ErrNoBlock = errors.New("no fenced json or yaml block found")

// MalformedError is returned when a fenced block exists but does not
// decode. It is a hard failure, distinct from a record that decodes but
// fails validation.
type MalformedError struct {
	Format Format
	Err    error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s block: %v", e.Format, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Format is the fence language.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Block is one fenced payload.
type Block struct {
	Format  Format
	Payload string
}

// fenceRe matches ```json / ```yaml / ```yml fences. The closing fence must
// start a line so payloads may contain inline backticks.
var fenceRe = regexp.MustCompile("(?ms)^[ \t]*```[ \t]*(json|yaml|yml)[ \t]*\r?\n(.*?)^[ \t]*```[ \t]*$")

// Extract returns the last json or yaml block in text. The last block wins
// because agents tend to restate a corrected record at the end.
func Extract(text string) (Block, error) {
	matches := fenceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Block{}, ErrNoBlock
	}
	m := matches[len(matches)-1]
	format := FormatJSON
	if m[1] != "json" {
		format = FormatYAML
	}
	return Block{Format: format, Payload: strings.TrimSpace(m[2])}, nil
}

// Decode extracts the last block from text and decodes it into a T.
func Decode[T any](text string) (*T, error) {
	block, err := Extract(text)
	if err != nil {
		return nil, err
	}
	return DecodeBlock[T](block)
}

// DecodeBlock decodes one block into a T. Unknown fields are tolerated;
// syntax errors and type mismatches are a *MalformedError.
func DecodeBlock[T any](block Block) (*T, error) {
	if block.Payload == "" {
		return nil, &MalformedError{Format: block.Format, Err: errors.New("empty block")}
	}

	var out T
	switch block.Format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader([]byte(block.Payload)))
		if err := dec.Decode(&out); err != nil {
			return nil, &MalformedError{Format: block.Format, Err: err}
		}
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(block.Payload), &out); err != nil {
			return nil, &MalformedError{Format: block.Format, Err: err}
		}
	default:
		return nil, &MalformedError{Format: block.Format, Err: fmt.Errorf("unsupported format %q", block.Format)}
	}
	return &out, nil
}

// Render formats v as a fenced json block, the form agents are asked to
// produce and tests use to build fixtures.
func Render(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return "```json\n" + string(data) + "\n```\n", nil
}
