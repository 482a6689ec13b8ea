// Package lang defines the shared data model of the texgraph execution
// core: resource identity, operator and socket types, instructions and
// compiled programs. It is pure data with no GPU dependencies.
package lang

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Scheme distinguishes the kinds of things a Resource can name.
type Scheme uint8

const (
	// SchemeNode names a node, or with a fragment one of its sockets
	// or parameters.
	SchemeNode Scheme = iota

	// SchemeGraph names a node graph or layer stack.
	SchemeGraph

	// SchemeImage names an external image resource.
	SchemeImage
)

// String returns the scheme prefix used in the textual resource form.
func (s Scheme) String() string {
	switch s {
	case SchemeNode:
		return "node"
	case SchemeGraph:
		return "graph"
	case SchemeImage:
		return "image"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// ErrInvalidResource is returned when parsing a malformed resource string.
var ErrInvalidResource = errors.New("lang: invalid resource identifier")

// Resource is an immutable, typed, hierarchical path identifying a graph,
// node, socket or parameter. It is a comparable value type: Resources are
// compared and hashed by value and serve as the sole cross-component key.
//
// The textual form is "scheme:path" or "scheme:path:fragment", e.g.
// "node:base/blend.1:color" for the color socket of node blend.1 in
// graph base.
type Resource struct {
	scheme   Scheme
	path     string
	fragment string
}

// NewResource builds a resource from its parts. The path uses forward
// slashes regardless of platform.
func NewResource(scheme Scheme, p, fragment string) Resource {
	return Resource{scheme: scheme, path: p, fragment: fragment}
}

// NodeResource names a node by its slash path (graph name, then node name).
func NodeResource(p string) Resource {
	return Resource{scheme: SchemeNode, path: p}
}

// GraphResource names a graph or layer stack.
func GraphResource(name string) Resource {
	return Resource{scheme: SchemeGraph, path: name}
}

// ImageResource names an external image.
func ImageResource(name string) Resource {
	return Resource{scheme: SchemeImage, path: name}
}

// ParseResource parses the textual resource form.
func ParseResource(s string) (Resource, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Resource{}, fmt.Errorf("%w: %q", ErrInvalidResource, s)
	}

	var scheme Scheme
	switch parts[0] {
	case "node":
		scheme = SchemeNode
	case "graph":
		scheme = SchemeGraph
	case "image":
		scheme = SchemeImage
	default:
		return Resource{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidResource, parts[0])
	}

	r := Resource{scheme: scheme, path: parts[1]}
	if len(parts) == 3 {
		r.fragment = parts[2]
	}
	return r, nil
}

// Scheme returns the resource's scheme.
func (r Resource) Scheme() Scheme { return r.scheme }

// Path returns the slash-separated resource path.
func (r Resource) Path() string { return r.path }

// Fragment returns the socket or parameter fragment, or "" if absent.
func (r Resource) Fragment() string { return r.fragment }

// IsZero reports whether r is the zero resource.
func (r Resource) IsZero() bool { return r == Resource{} }

// File returns the last element of the resource path (the node name).
func (r Resource) File() string { return path.Base(r.path) }

// Directory returns the resource path with the last element removed.
func (r Resource) Directory() string {
	dir := path.Dir(r.path)
	if dir == "." {
		return ""
	}
	return dir
}

// String renders the textual resource form.
func (r Resource) String() string {
	if r.fragment == "" {
		return r.scheme.String() + ":" + r.path
	}
	return r.scheme.String() + ":" + r.path + ":" + r.fragment
}

// ExtendFragment returns a copy of r with the given fragment set.
func (r Resource) ExtendFragment(fragment string) Resource {
	r.fragment = fragment
	return r
}

// DropFragment returns a copy of r without a fragment.
func (r Resource) DropFragment() Resource {
	r.fragment = ""
	return r
}

// NodeSocket names a socket of the node named by r.
func (r Resource) NodeSocket(socket string) Resource {
	return Resource{scheme: SchemeNode, path: r.path, fragment: socket}
}

// NodeParameter names a parameter of the node named by r.
func (r Resource) NodeParameter(field string) Resource {
	return Resource{scheme: SchemeNode, path: r.path, fragment: field}
}

// SocketNode returns the node a socket resource belongs to.
func (r Resource) SocketNode() Resource {
	return Resource{scheme: SchemeNode, path: r.path}
}

// ParameterNode returns the node a parameter resource belongs to.
func (r Resource) ParameterNode() Resource {
	return Resource{scheme: SchemeNode, path: r.path}
}

// NodeGraph returns the graph containing the node named by r.
func (r Resource) NodeGraph() Resource {
	return Resource{scheme: SchemeGraph, path: r.Directory()}
}

// GraphNode names a node inside the graph named by r.
func (r Resource) GraphNode(name string) Resource {
	return Resource{scheme: SchemeNode, path: r.path + "/" + name}
}

// RenameFile returns a copy of r with the last path element replaced.
func (r Resource) RenameFile(name string) Resource {
	dir := r.Directory()
	if dir == "" {
		r.path = name
	} else {
		r.path = dir + "/" + name
	}
	return r
}
