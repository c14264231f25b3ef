package js

import (
	"fmt"
	"slices"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/loader"
	"github.com/shiroyk/esmgraph/modules"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// CustomModule creates the modules of the host defined module types of the VM:
// YAML documents are served as synthetic modules exporting the decoded
// document, registered Go modules as native modules.
func CustomModule(rt *sobek.Runtime, tag, specifier string, code []byte) (modules.CustomModuleResult, error) {
	if modules.ModuleType(tag) != loader.TypeYAML {
		return modules.NativeModule(rt, tag, specifier, code)
	}
	var document yaml.Node
	if err := yaml.Unmarshal(code, &document); err != nil {
		return modules.CustomModuleResult{}, fmt.Errorf("%w: %s: %w", modules.ErrInvalidModule, specifier, err)
	}
	value, err := toJSValue(rt, &document)
	if err != nil {
		return modules.CustomModuleResult{}, fmt.Errorf("%s: %w", specifier, err)
	}
	return modules.Synthetic(value), nil
}

// toJSValue converts the document node to plain JavaScript objects and arrays,
// mapping keys keep the document order.
func toJSValue(rt *sobek.Runtime, node *yaml.Node) (sobek.Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return sobek.Null(), nil
		}
		return toJSValue(rt, node.Content[0])
	case yaml.AliasNode:
		return toJSValue(rt, node.Alias)
	case yaml.MappingNode:
		obj := rt.NewObject()
		if err := setMapping(rt, obj, node, false); err != nil {
			return nil, err
		}
		return obj, nil
	case yaml.SequenceNode:
		items := make([]any, len(node.Content))
		for i, item := range node.Content {
			value, err := toJSValue(rt, item)
			if err != nil {
				return nil, err
			}
			items[i] = value
		}
		return rt.NewArray(items...), nil
	case yaml.ScalarNode:
		var scalar any
		if err := node.Decode(&scalar); err != nil {
			return nil, err
		}
		if scalar == nil {
			return sobek.Null(), nil
		}
		return rt.ToValue(scalar), nil
	default:
		return sobek.Null(), nil
	}
}

// setMapping sets the pairs of the mapping on obj, merged pairs never
// replace the keys already set.
func setMapping(rt *sobek.Runtime, obj *sobek.Object, node *yaml.Node, merge bool) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, item := node.Content[i], node.Content[i+1]
		if key.Tag == "!!merge" {
			if err := mergeMapping(rt, obj, item); err != nil {
				return err
			}
			continue
		}
		var raw any
		if err := key.Decode(&raw); err != nil {
			return err
		}
		name, err := cast.ToStringE(raw)
		if err != nil {
			return fmt.Errorf("unsupported mapping key: %w", err)
		}
		if merge && slices.Contains(obj.Keys(), name) {
			continue
		}
		value, err := toJSValue(rt, item)
		if err != nil {
			return err
		}
		_ = obj.Set(name, value)
	}
	return nil
}

// mergeMapping applies the "<<" merge key, the value is a mapping or a
// sequence of mappings.
func mergeMapping(rt *sobek.Runtime, obj *sobek.Object, node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.MappingNode:
		return setMapping(rt, obj, node, true)
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if err := mergeMapping(rt, obj, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid merge value at line %d", node.Line)
	}
}
