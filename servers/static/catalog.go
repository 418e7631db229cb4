package static

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/xeipuuv/gojsonschema"

	"github.com/cannery-mcp/cannery"
)

// Fixture file shapes. Each tool, resource, and prompt is one JSON file under
// the tools/, resources/, and prompts/ subdirectories of the fixture root.
// Files load in file-name order, which fixes the order descriptors are listed
// in.

type toolFixture struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Result is the canned tools/call reply, inlined. ResultFile points at a
	// file (relative to the fixture root) holding the same JSON instead.
	Result     *cannery.CallToolResult `json:"result,omitempty"`
	ResultFile string                  `json:"resultFile,omitempty"`
}

type resourceFixture struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`

	// Match turns the entry into a template: reads whose URI matches the glob
	// pattern are served this entry's contents.
	Match string `json:"match,omitempty"`

	// Exactly one content source: inline text, inline base64 blob, or a file
	// relative to the fixture root read as text.
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
	TextFile string `json:"textFile,omitempty"`
}

type promptFixture struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Arguments   []cannery.PromptArgument `json:"arguments,omitempty"`
	Messages    []cannery.PromptMessage  `json:"messages"`
}

type toolEntry struct {
	tool   cannery.Tool
	schema *gojsonschema.Schema
	result cannery.CallToolResult
}

type resourceEntry struct {
	resource cannery.Resource
	pattern  string
	matcher  glob.Glob
	contents cannery.ResourceContents
}

type promptEntry struct {
	prompt   cannery.Prompt
	messages []cannery.PromptMessage
}

type catalog struct {
	tools     []toolEntry
	toolIndex map[string]int

	resources     []resourceEntry
	resourceIndex map[string]int

	prompts     []promptEntry
	promptIndex map[string]int
}

func loadCatalog(root string) (*catalog, error) {
	cat := &catalog{
		toolIndex:     make(map[string]int),
		resourceIndex: make(map[string]int),
		promptIndex:   make(map[string]int),
	}

	if err := cat.loadTools(root); err != nil {
		return nil, err
	}
	if err := cat.loadResources(root); err != nil {
		return nil, err
	}
	if err := cat.loadPrompts(root); err != nil {
		return nil, err
	}

	return cat, nil
}

func (c *catalog) loadTools(root string) error {
	files, err := fixtureFiles(filepath.Join(root, "tools"))
	if err != nil {
		return err
	}

	for _, path := range files {
		var fx toolFixture
		if err := readFixture(path, &fx); err != nil {
			return err
		}
		if fx.Name == "" {
			return fmt.Errorf("fixture %s: missing tool name", path)
		}
		if _, ok := c.toolIndex[fx.Name]; ok {
			return fmt.Errorf("fixture %s: duplicate tool name %q", path, fx.Name)
		}

		entry := toolEntry{
			tool: cannery.Tool{
				Name:        fx.Name,
				Description: fx.Description,
				InputSchema: fx.InputSchema,
			},
		}

		if len(fx.InputSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(fx.InputSchema))
			if err != nil {
				return fmt.Errorf("fixture %s: invalid input schema: %w", path, err)
			}
			entry.schema = schema
		}

		switch {
		case fx.Result != nil:
			entry.result = *fx.Result
		case fx.ResultFile != "":
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(fx.ResultFile)))
			if err != nil {
				return fmt.Errorf("fixture %s: failed to read result file: %w", path, err)
			}
			if err := json.Unmarshal(data, &entry.result); err != nil {
				return fmt.Errorf("fixture %s: invalid result file: %w", path, err)
			}
		default:
			entry.result = cannery.CallToolResult{Content: []cannery.Content{}}
		}

		c.toolIndex[fx.Name] = len(c.tools)
		c.tools = append(c.tools, entry)
	}

	return nil
}

func (c *catalog) loadResources(root string) error {
	files, err := fixtureFiles(filepath.Join(root, "resources"))
	if err != nil {
		return err
	}

	for _, path := range files {
		var fx resourceFixture
		if err := readFixture(path, &fx); err != nil {
			return err
		}
		if fx.URI == "" && fx.Match == "" {
			return fmt.Errorf("fixture %s: missing resource uri", path)
		}

		entry := resourceEntry{
			resource: cannery.Resource{
				URI:         fx.URI,
				Name:        fx.Name,
				Description: fx.Description,
				MimeType:    fx.MimeType,
			},
			contents: cannery.ResourceContents{
				URI:      fx.URI,
				MimeType: fx.MimeType,
				Text:     fx.Text,
				Blob:     fx.Blob,
			},
		}

		if fx.TextFile != "" {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(fx.TextFile)))
			if err != nil {
				return fmt.Errorf("fixture %s: failed to read text file: %w", path, err)
			}
			entry.contents.Text = string(data)
		}

		if fx.Match != "" {
			matcher, err := glob.Compile(fx.Match)
			if err != nil {
				return fmt.Errorf("fixture %s: invalid match pattern: %w", path, err)
			}
			entry.pattern = fx.Match
			entry.matcher = matcher
		}

		if fx.URI != "" {
			if _, ok := c.resourceIndex[fx.URI]; ok {
				return fmt.Errorf("fixture %s: duplicate resource uri %q", path, fx.URI)
			}
			c.resourceIndex[fx.URI] = len(c.resources)
		}
		c.resources = append(c.resources, entry)
	}

	return nil
}

func (c *catalog) loadPrompts(root string) error {
	files, err := fixtureFiles(filepath.Join(root, "prompts"))
	if err != nil {
		return err
	}

	for _, path := range files {
		var fx promptFixture
		if err := readFixture(path, &fx); err != nil {
			return err
		}
		if fx.Name == "" {
			return fmt.Errorf("fixture %s: missing prompt name", path)
		}
		if _, ok := c.promptIndex[fx.Name]; ok {
			return fmt.Errorf("fixture %s: duplicate prompt name %q", path, fx.Name)
		}

		c.promptIndex[fx.Name] = len(c.prompts)
		c.prompts = append(c.prompts, promptEntry{
			prompt: cannery.Prompt{
				Name:        fx.Name,
				Description: fx.Description,
				Arguments:   fx.Arguments,
			},
			messages: fx.Messages,
		})
	}

	return nil
}

// fixtureFiles returns the .json files of dir in file-name order. A missing
// directory is not an error, it just contributes nothing.
func fixtureFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read fixture directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}

	return files, nil
}

func readFixture(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read fixture %s: %w", path, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("fixture %s: invalid JSON: %w", path, err)
	}
	return nil
}
