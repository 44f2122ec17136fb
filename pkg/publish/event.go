package publish

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Event is one publish notification for a collection.
type Event struct {
	CollectionID uint32
	ChangeID     uint32
	Depots       *Node
}

// ErrInvalidEvent marks publish documents that cannot be dispatched.
var ErrInvalidEvent = errors.New("invalid publish event")

// Parse reads a YAML or JSON publish event. Mapping order is preserved in
// the depot tree.
//
//	collection_id: 480
//	change_id: 1234
//	depots:
//	  "481":
//	    name: content
//	    manifests:
//	      public: "5050505050505050505"
//	  branches:
//	    public:
//	      buildid: "99"
func Parse(data []byte) (*Event, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidEvent)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidEvent)
	}
	if err := validateNode(root); err != nil {
		return nil, err
	}

	ev := &Event{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "collection_id":
			id, err := parseUint32(key.Value, val)
			if err != nil {
				return nil, err
			}
			ev.CollectionID = id
		case "change_id":
			id, err := parseUint32(key.Value, val)
			if err != nil {
				return nil, err
			}
			ev.ChangeID = id
		case "depots":
			ev.Depots = convert("depots", val)
		}
	}

	if ev.CollectionID == 0 {
		return nil, fmt.Errorf("%w: collection_id is required", ErrInvalidEvent)
	}
	if ev.Depots == nil {
		ev.Depots = &Node{Name: "depots"}
	}
	return ev, nil
}

// ParseFile reads and parses an event file.
func ParseFile(path string) (*Event, error) {
	// #nosec G304 -- event paths are operator supplied
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", path, err)
	}
	ev, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse event %s: %w", path, err)
	}
	return ev, nil
}

func parseUint32(field string, n *yaml.Node) (uint32, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidEvent, field)
	}
	v, err := strconv.ParseUint(n.Value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, field, err)
	}
	return uint32(v), nil
}

func convert(name string, n *yaml.Node) *Node {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}

	out := &Node{Name: name}
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag != "!!null" {
			out.Value = n.Value
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			out.Children = append(out.Children, convert(n.Content[i].Value, n.Content[i+1]))
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			out.Children = append(out.Children, convert(strconv.Itoa(i), c))
		}
	}
	return out
}
