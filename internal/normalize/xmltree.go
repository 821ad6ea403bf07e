package normalize

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// node is a minimal element tree; guide payloads are small enough to hold in memory.
type node struct {
	name     xml.Name
	attrs    []xml.Attr
	text     string
	children []*node
}

func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity

	var (
		root  *node
		stack []*node
		text  []*strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name, attrs: t.Attr}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
			text = append(text, &strings.Builder{})
		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			stack[len(stack)-1].text = strings.TrimSpace(text[len(text)-1].String())
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		}
	}
	if root == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return root, nil
}

func (n *node) matches(local, ns string) bool {
	if n.name.Local != local {
		return false
	}
	return ns == "" || n.name.Space == "" || n.name.Space == ns
}

// collect returns the outermost elements named local, in document order,
// including n itself.
func (n *node) collect(local, ns string) []*node {
	if n.matches(local, ns) {
		return []*node{n}
	}
	var out []*node
	for _, c := range n.children {
		out = append(out, c.collect(local, ns)...)
	}
	return out
}

// find evaluates a slash path relative to n. A "**" step matches zero or
// more levels; a final "@name" step selects an attribute. Results are in
// document order and returned as text values.
func (n *node) find(path, ns string) []string {
	return n.walk(strings.Split(path, "/"), ns)
}

func (n *node) walk(steps []string, ns string) []string {
	if len(steps) == 0 {
		return []string{n.text}
	}
	step := steps[0]
	if strings.HasPrefix(step, "@") {
		for _, a := range n.attrs {
			if a.Name.Local == step[1:] {
				return []string{strings.TrimSpace(a.Value)}
			}
		}
		return nil
	}
	var out []string
	if step == "**" {
		out = append(out, n.walk(steps[1:], ns)...)
		for _, c := range n.children {
			out = append(out, c.walk(steps, ns)...)
		}
		return out
	}
	for _, c := range n.children {
		if c.matches(step, ns) {
			out = append(out, c.walk(steps[1:], ns)...)
		}
	}
	return out
}

// first returns the first non-empty value found by trying paths in order.
func (n *node) first(ns string, paths ...string) string {
	for _, p := range paths {
		for _, v := range n.find(p, ns) {
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// all returns every non-empty value of the first path that yields any.
func (n *node) all(ns string, paths ...string) []string {
	for _, p := range paths {
		var out []string
		for _, v := range n.find(p, ns) {
			if v != "" {
				out = append(out, v)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
