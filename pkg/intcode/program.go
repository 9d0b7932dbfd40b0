package intcode

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fortiblox/intcore/internal/types"
)

// Program is an immutable, loaded Intcode program.
//
// A program is the parsed form of its source text: a comma-separated sequence
// of signed decimal integers, optionally broken across lines. Machines are
// created from a program and copy its image, so one Program can seed any
// number of instances.
type Program struct {
	code []int64
}

// New creates a program from an instruction sequence. The slice is copied.
func New(code []int64) *Program {
	p := &Program{code: make([]int64, len(code))}
	copy(p.code, code)
	return p
}

// Parse parses program text: comma-separated signed decimal integers,
// optionally broken across lines. Each line is a comma-separated row (a
// trailing comma on a line is allowed); rows are concatenated in order and
// blank lines are skipped.
func Parse(text string) (*Program, error) {
	var tokens []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, ",")
		if line == "" {
			continue
		}
		tokens = append(tokens, strings.Split(line, ",")...)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrParse)
	}

	code := make([]int64, 0, len(tokens))
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token %q at index %d", ErrParse, tok, i)
		}
		code = append(code, v)
	}
	return &Program{code: code}, nil
}

// Load parses a program from a reader.
func Load(r io.Reader) (*Program, error) {
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return Parse(string(text))
}

// LoadFile parses a program from a file.
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open program: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Len returns the number of instruction cells.
func (p *Program) Len() int {
	return len(p.code)
}

// Words returns a copy of the instruction sequence.
func (p *Program) Words() []int64 {
	out := make([]int64, len(p.code))
	copy(out, p.code)
	return out
}

// Text returns the canonical source form: comma-joined decimals with no
// surrounding whitespace. Parsing it yields an identical program.
func (p *Program) Text() string {
	var b strings.Builder
	for i, v := range p.code {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	return b.String()
}

// ID returns the program's content-derived identity, the blake3 digest of
// its canonical text.
func (p *Program) ID() types.ProgramID {
	return types.ProgramIDFromText(p.Text())
}
