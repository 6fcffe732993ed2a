package value

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FromYAML parses a YAML document, keeping mapping key order. Anchors and
// aliases are expanded. An empty document is an empty map.
func FromYAML(data []byte) (Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Value{}, fmt.Errorf("value: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return Object(NewMap()), nil
	}
	return fromYAMLNode(doc.Content[0], 0)
}

func fromYAMLNode(n *yaml.Node, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("value: nesting deeper than %d levels", MaxDepth)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null(), nil
		}
		return fromYAMLNode(n.Content[0], depth)
	case yaml.AliasNode:
		return fromYAMLNode(n.Alias, depth+1)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			item, err := fromYAMLNode(c, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, nil
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, vn := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return Value{}, fmt.Errorf("value: line %d: map keys must be scalars", k.Line)
			}
			if _, dup := m.Get(k.Value); dup {
				return Value{}, fmt.Errorf("value: line %d: duplicate key %q", k.Line, k.Value)
			}
			item, err := fromYAMLNode(vn, depth+1)
			if err != nil {
				return Value{}, err
			}
			m.Set(k.Value, item)
		}
		return Object(m), nil
	case yaml.ScalarNode:
		return yamlScalar(n)
	}
	return Value{}, fmt.Errorf("value: line %d: unsupported YAML node", n.Line)
}

func yamlScalar(n *yaml.Node) (Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return Null(), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return Value{}, fmt.Errorf("value: line %d: %w", n.Line, err)
		}
		return Bool(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			var f float64
			if ferr := n.Decode(&f); ferr != nil {
				return Value{}, fmt.Errorf("value: line %d: %w", n.Line, err)
			}
			return Float(f), nil
		}
		return Int(i), nil
	case "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return Value{}, fmt.Errorf("value: line %d: %w", n.Line, err)
		}
		return Float(f), nil
	default:
		return String(n.Value), nil
	}
}
