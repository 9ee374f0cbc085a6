package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats. Mapping order is kept,
// so ordered sections (metadata) come out the way they were written.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		// empty file
		return []byte("{}"), "yaml", nil
	}

	var buf bytes.Buffer
	if err := writeNodeJSON(&buf, doc.Content[0]); err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json: %w", err)
	}
	return buf.Bytes(), "yaml", nil
}

func writeNodeJSON(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeNodeJSON(buf, n.Content[0])
	case yaml.AliasNode:
		return writeNodeJSON(buf, n.Alias)
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeNodeJSON(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case yaml.MappingNode:
		pairs, err := mappingPairs(n)
		if err != nil {
			return err
		}
		buf.WriteByte('{')
		for i, p := range pairs {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(p.key)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeNodeJSON(buf, p.val); err != nil {
				return fmt.Errorf("%s: %w", p.key, err)
			}
		}
		buf.WriteByte('}')
		return nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		b, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(b)
		return nil
	default:
		return fmt.Errorf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
	}
}

type nodePair struct {
	key string
	val *yaml.Node
}

// mappingPairs flattens a mapping, expanding "<<" merge keys. Later keys
// override earlier ones but keep the position of the first occurrence.
func mappingPairs(n *yaml.Node) ([]nodePair, error) {
	var out []nodePair
	pos := map[string]int{}
	add := func(k string, v *yaml.Node, override bool) {
		if i, ok := pos[k]; ok {
			if override {
				out[i].val = v
			}
			return
		}
		pos[k] = len(out)
		out = append(out, nodePair{key: k, val: v})
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind == yaml.ScalarNode && k.Tag == "!!merge" {
			merged, err := mergeSources(v)
			if err != nil {
				return nil, err
			}
			for _, m := range merged {
				add(m.key, m.val, false)
			}
			continue
		}
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
		}
		add(k.Value, v, true)
	}
	return out, nil
}

func mergeSources(v *yaml.Node) ([]nodePair, error) {
	if v.Kind == yaml.AliasNode {
		v = v.Alias
	}
	switch v.Kind {
	case yaml.MappingNode:
		return mappingPairs(v)
	case yaml.SequenceNode:
		var out []nodePair
		for _, c := range v.Content {
			p, err := mergeSources(c)
			if err != nil {
				return nil, err
			}
			out = append(out, p...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("line %d: merge value must be a mapping", v.Line)
	}
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
