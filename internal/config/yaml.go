package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// formatOf picks the decoder from the extension of name. Names without a
// known extension (FANOUT_CONFIG=/etc/fanoutd) are sniffed: a document
// starting with '{' is JSON, anything else YAML.
func formatOf(name string, data []byte) format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder.
func toJSON(name string, data []byte) ([]byte, error) {
	if formatOf(name, data) == formatJSON {
		return data, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc.Kind == 0 {
		return []byte("{}"), nil
	}
	v, err := yamlValue(&doc)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

func yamlValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return map[string]any{}, nil
		}
		return yamlValue(n.Content[0])
	case yaml.AliasNode:
		return yamlValue(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		return yamlMapping(n)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// yamlMapping keys everything by its scalar text. Merge keys ("<<") fill in
// only what the mapping does not set itself.
func yamlMapping(n *yaml.Node) (map[string]any, error) {
	out := make(map[string]any, len(n.Content)/2)
	merged := map[string]any{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, vn := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("yaml line %d: mapping keys must be scalars", k.Line)
		}
		v, err := yamlValue(vn)
		if err != nil {
			return nil, err
		}
		if k.Tag == "!!merge" {
			if err := mergeInto(merged, v, k.Line); err != nil {
				return nil, err
			}
			continue
		}
		out[k.Value] = v
	}
	for k, v := range merged {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

func mergeInto(dst map[string]any, v any, line int) error {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if _, ok := dst[k]; !ok {
				dst[k] = val
			}
		}
	case []any:
		for _, item := range x {
			if err := mergeInto(dst, item, line); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("yaml line %d: merge value must be a mapping", line)
	}
	return nil
}
