package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jfelden/adjutant/internal/log"
)

// SaveFocusBlocks persists the focus block windows to the config file,
// replacing only the focus_blocks section so user comments and formatting
// elsewhere in the file survive. The file is created from the default
// template if it does not exist yet.
func SaveFocusBlocks(configPath string, blocks []FocusBlockConfig) error {
	if err := ValidateFocusBlocks(blocks); err != nil {
		return err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- path comes from our own config resolution
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := WriteDefaultConfig(configPath); err != nil {
			return err
		}
		data, err = os.ReadFile(configPath) // #nosec G304
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	var blocksNode yaml.Node
	if err := blocksNode.Encode(blocks); err != nil {
		return fmt.Errorf("encoding focus blocks: %w", err)
	}

	if doc.Kind == 0 || len(doc.Content) == 0 {
		// Empty file, build a fresh document with just the one section.
		root := &yaml.Node{Kind: yaml.MappingNode}
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config file root is not a mapping")
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "focus_blocks" {
			// Keep the key node so its head comment survives.
			root.Content[i+1] = &blocksNode
			replaced = true
			break
		}
	}
	if !replaced {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: "focus_blocks"}
		root.Content = append(root.Content, keyNode, &blocksNode)
	}

	return writeAtomic(configPath, &doc)
}

// writeAtomic encodes the document to a temp file in the target directory
// and renames it over the destination so readers never see a partial file.
func writeAtomic(configPath string, doc *yaml.Node) error {
	dir := filepath.Dir(configPath)
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := yaml.NewEncoder(tmp)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}

	log.Debug(log.CatConfig, "Saved focus blocks", "path", configPath)
	return nil
}
