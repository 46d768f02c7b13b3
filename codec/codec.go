// Package codec handles text encoding and line framing for the controller's
// remote command protocol.
package codec

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Terminator is the line terminator appended to every command.
type Terminator string

const (
	TerminatorCR   Terminator = "CR"
	TerminatorLF   Terminator = "LF"
	TerminatorCRLF Terminator = "CRLF"
)

// String returns the terminator's wire bytes.
func (t Terminator) String() string {
	switch t {
	case TerminatorCR:
		return "\r"
	case TerminatorLF:
		return "\n"
	default:
		return "\r\n"
	}
}

// ParseTerminator validates a terminator name (CR, LF or CRLF).
func ParseTerminator(name string) (Terminator, error) {
	switch t := Terminator(strings.ToUpper(strings.TrimSpace(name))); t {
	case TerminatorCR, TerminatorLF, TerminatorCRLF:
		return t, nil
	case "":
		return TerminatorCRLF, nil
	default:
		return "", fmt.Errorf("unknown terminator %q (want CR, LF or CRLF)", name)
	}
}

// Locale binds a language tag to the controller's locale number and the
// character encoding used on the wire.
type Locale struct {
	Tag      string
	Number   int
	Encoding string
	enc      encoding.Encoding
}

var locales = map[string]Locale{
	"en":    {Tag: "en", Number: 0, Encoding: "Windows-1252", enc: charmap.Windows1252},
	"ja":    {Tag: "ja", Number: 1, Encoding: "Shift_JIS", enc: japanese.ShiftJIS},
	"de":    {Tag: "de", Number: 2, Encoding: "Windows-1252", enc: charmap.Windows1252},
	"fr":    {Tag: "fr", Number: 3, Encoding: "Windows-1252", enc: charmap.Windows1252},
	"zh-CN": {Tag: "zh-CN", Number: 4, Encoding: "GB18030", enc: simplifiedchinese.GB18030},
	"zh-TW": {Tag: "zh-TW", Number: 5, Encoding: "Big5", enc: traditionalchinese.Big5},
}

// LookupLocale returns the locale for a tag such as "en" or "zh-TW".
func LookupLocale(tag string) (Locale, error) {
	if tag == "" {
		tag = "en"
	}
	l, ok := locales[tag]
	if !ok {
		return Locale{}, fmt.Errorf("unsupported locale %q", tag)
	}
	return l, nil
}

// LocaleTags returns all supported locale tags ordered by locale number.
func LocaleTags() []string {
	tags := make([]string, 0, len(locales))
	for tag := range locales {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		return locales[tags[i]].Number < locales[tags[j]].Number
	})
	return tags
}

// Codec encodes commands and decodes replies for one controller.
type Codec struct {
	locale     Locale
	terminator Terminator
}

// New creates a codec for the given locale tag and terminator name.
func New(localeTag, terminator string) (*Codec, error) {
	l, err := LookupLocale(localeTag)
	if err != nil {
		return nil, err
	}
	t, err := ParseTerminator(terminator)
	if err != nil {
		return nil, err
	}
	return &Codec{locale: l, terminator: t}, nil
}

// Locale returns the codec's locale.
func (c *Codec) Locale() Locale { return c.locale }

// Terminator returns the codec's line terminator.
func (c *Codec) Terminator() Terminator { return c.terminator }

// Encode appends the terminator and converts the command to the locale's
// encoding. Characters the encoding cannot represent are replaced.
func (c *Codec) Encode(command string) []byte {
	enc := encoding.ReplaceUnsupported(c.locale.enc.NewEncoder())
	out, err := enc.Bytes([]byte(command + c.terminator.String()))
	if err != nil {
		return []byte(command + c.terminator.String())
	}
	return out
}

// Decode converts reply bytes from the locale's encoding and strips every
// CR and LF. Invalid sequences decode to replacement glyphs.
func (c *Codec) Decode(data []byte) string {
	out, err := c.locale.enc.NewDecoder().Bytes(data)
	if err != nil {
		out = data
	}
	s := string(out)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// ScanReplies is a bufio.SplitFunc that yields one reply per CR, LF or CRLF
// terminated line, skipping empty lines. None of the supported multibyte
// encodings use 0x0D or 0x0A as a trail byte, so framing on raw bytes is safe.
func ScanReplies(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}
