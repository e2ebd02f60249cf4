package ntriples

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

const xsdString = "http://www.w3.org/2001/XMLSchema#string"

var ErrMalformed = errors.New("malformed n-triples line")

// Encode renders one triple as an N-Triples line without the trailing newline.
func Encode(t common.Triple) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(escapeIRI(t.Subject))
	b.WriteString("> <")
	b.WriteString(escapeIRI(t.Predicate))
	b.WriteString("> ")
	if t.Object.IsIRI() {
		b.WriteByte('<')
		b.WriteString(escapeIRI(t.Object.IRI))
		b.WriteByte('>')
	} else {
		b.WriteByte('"')
		b.WriteString(escapeLiteral(t.Object.Value))
		b.WriteByte('"')
		if t.Object.Datatype != "" && t.Object.Datatype != xsdString {
			b.WriteString("^^<")
			b.WriteString(escapeIRI(t.Object.Datatype))
			b.WriteByte('>')
		}
	}
	b.WriteString(" .")
	return b.String()
}

// Writer streams triples as N-Triples.
type Writer struct {
	w     *bufio.Writer
	count int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(t common.Triple) error {
	if _, err := w.w.WriteString(Encode(t)); err != nil {
		return err
	}
	w.count++
	return w.w.WriteByte('\n')
}

func (w *Writer) Count() int { return w.count }

func (w *Writer) Flush() error { return w.w.Flush() }

// WriteAll writes every triple and flushes.
func WriteAll(w io.Writer, triples []common.Triple) error {
	nw := NewWriter(w)
	for _, t := range triples {
		if err := nw.Write(t); err != nil {
			return err
		}
	}
	return nw.Flush()
}

// Decode parses one line produced by Encode. Cardinality is not part of
// N-Triples, so MultiValued is always false on decoded triples.
func Decode(line string) (common.Triple, error) {
	var t common.Triple
	rest := strings.TrimSpace(line)

	subject, rest, err := readIRI(rest)
	if err != nil {
		return t, err
	}
	predicate, rest, err := readIRI(strings.TrimSpace(rest))
	if err != nil {
		return t, err
	}
	rest = strings.TrimSpace(rest)
	t.Subject, t.Predicate = subject, predicate

	if strings.HasPrefix(rest, "<") {
		iri, tail, err := readIRI(rest)
		if err != nil {
			return t, err
		}
		t.Object = common.IRIObject(iri)
		rest = tail
	} else {
		value, tail, err := readLiteral(rest)
		if err != nil {
			return t, err
		}
		datatype := xsdString
		if strings.HasPrefix(tail, "^^") {
			datatype, tail, err = readIRI(tail[2:])
			if err != nil {
				return t, err
			}
		}
		t.Object = common.Literal(value, datatype)
		rest = tail
	}

	if strings.TrimSpace(rest) != "." {
		return t, fmt.Errorf("%w: missing terminator", ErrMalformed)
	}
	return t, nil
}

func readIRI(s string) (string, string, error) {
	if !strings.HasPrefix(s, "<") {
		return "", s, fmt.Errorf("%w: expected IRI", ErrMalformed)
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", s, fmt.Errorf("%w: unterminated IRI", ErrMalformed)
	}
	return iriUnescaper.Replace(s[1:end]), s[end+1:], nil
}

func readLiteral(s string) (string, string, error) {
	if !strings.HasPrefix(s, `"`) {
		return "", s, fmt.Errorf("%w: expected literal", ErrMalformed)
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return literalUnescaper.Replace(s[1:i]), s[i+1:], nil
		}
	}
	return "", s, fmt.Errorf("%w: unterminated literal", ErrMalformed)
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

var iriEscaper = strings.NewReplacer(
	`\`, `\u005C`,
	">", `\u003E`,
	"<", `\u003C`,
	" ", `\u0020`,
	`"`, `\u0022`,
)

var iriUnescaper = strings.NewReplacer(
	`\u005C`, `\`,
	`\u003E`, ">",
	`\u003C`, "<",
	`\u0020`, " ",
	`\u0022`, `"`,
)

var literalUnescaper = strings.NewReplacer(
	`\\`, `\`,
	`\"`, `"`,
	`\n`, "\n",
	`\r`, "\r",
	`\t`, "\t",
)

func escapeLiteral(s string) string { return literalEscaper.Replace(s) }

func escapeIRI(s string) string { return iriEscaper.Replace(s) }
