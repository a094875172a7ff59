package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// console reads answers line by line and writes prompts and results
type console struct {
	in  *bufio.Scanner
	out io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: bufio.NewScanner(in), out: out}
}

// ask returns io.EOF when input is exhausted
func (c *console) ask(prompt string) (string, error) {
	fmt.Fprintf(c.out, "%s: ", prompt)

	if !c.in.Scan() {
		fmt.Fprintln(c.out)
		if err := c.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(c.in.Text()), nil
}

// value returns flag value when given, asks otherwise
func (c *console) value(flag string, prompt string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return c.ask(prompt)
}

func (c *console) println(a ...any) {
	fmt.Fprintln(c.out, a...)
}

func (c *console) printf(format string, a ...any) {
	fmt.Fprintf(c.out, format, a...)
}
