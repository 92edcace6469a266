// Package confirm decides whether an existing output file may be replaced.
package confirm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Policy is asked once per existing output path
type Policy interface {
	Overwrite(path string) (bool, error)
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(path string) (bool, error)

// Overwrite calls f
func (f PolicyFunc) Overwrite(path string) (bool, error) {
	return f(path)
}

// Always permits every overwrite, as with -force
var Always Policy = PolicyFunc(func(string) (bool, error) { return true, nil })

// Never refuses every overwrite
var Never Policy = PolicyFunc(func(string) (bool, error) { return false, nil })

// Prompt asks on out and reads the answer from in. An empty answer or any
// prefix of "yes" accepts; anything else declines.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompt builds a terminal prompt
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

// Overwrite implements Policy
func (p *Prompt) Overwrite(path string) (bool, error) {
	fmt.Fprintf(p.out, "Output file %q exists. Overwrite? [Y/n] ", path)
	answer, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read answer: %w", err)
	}
	if err == io.EOF && answer == "" {
		// closed input is not consent
		return false, nil
	}
	return Accepts(answer), nil
}

// Accepts reports whether answer is an affirmative reply
func Accepts(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return strings.HasPrefix("yes", a)
}
