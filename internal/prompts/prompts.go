// Package prompts loads named prompt packs once at startup and renders them
// into chat messages. A Library is read-only after Load.
package prompts

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"gopkg.in/yaml.v3"

	"github.com/adaql/ada/internal/llm"
	"github.com/adaql/ada/internal/storage"
)

const DefaultPack = "default"

const (
	ClassifyIntent = "classify_intent"
	NER            = "ner"
	Stabilise      = "stabilise"
	Rerank         = "rerank"
	Generate       = "generate"
	Correct        = "correct"
	KFSummary      = "kf_summary"
	OpenWorld      = "open_world"
	Suggest        = "suggest"
	Chart          = "chart"
)

const maxPackBytes = 1 << 20

var ErrUnknownTemplate = errors.New("unknown prompt template")

//go:embed packs/*.yaml
var embedded embed.FS

type Renderer interface {
	Render(pack, name string, vars map[string]any) ([]llm.Message, error)
}

type template struct {
	system prompts.PromptTemplate
	user   prompts.PromptTemplate
}

type Library struct {
	packs map[string]map[string]template
}

type packDocument struct {
	Name      string `yaml:"name"`
	Templates map[string]struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"templates"`
}

// Source yields raw pack documents keyed by pack name.
type Source interface {
	Packs(ctx context.Context) (map[string][]byte, error)
}

// Load parses every pack from src and checks that the default pack and all
// required packs are present.
func Load(ctx context.Context, src Source, required ...string) (*Library, error) {
	raw, err := src.Packs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prompt packs: %w", err)
	}
	lib := &Library{packs: make(map[string]map[string]template, len(raw))}
	for name, body := range raw {
		pack, err := parsePack(body)
		if err != nil {
			return nil, fmt.Errorf("prompt pack %s: %w", name, err)
		}
		lib.packs[name] = pack
	}
	for _, name := range append([]string{DefaultPack}, required...) {
		if _, ok := lib.packs[name]; !ok {
			return nil, fmt.Errorf("prompt pack %q not found", name)
		}
	}
	return lib, nil
}

func parsePack(body []byte) (map[string]template, error) {
	var doc packDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("no templates")
	}
	out := make(map[string]template, len(doc.Templates))
	for name, t := range doc.Templates {
		if strings.TrimSpace(t.User) == "" {
			return nil, fmt.Errorf("template %s: user prompt is required", name)
		}
		out[name] = template{system: goTemplate(t.System), user: goTemplate(t.User)}
	}
	return out, nil
}

var variablePattern = regexp.MustCompile(`\{\{-?\s*\.([A-Za-z_][A-Za-z0-9_]*)`)

func goTemplate(text string) prompts.PromptTemplate {
	text = strings.TrimSpace(text)
	var vars []string
	seen := map[string]bool{}
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return prompts.PromptTemplate{
		Template:       text,
		InputVariables: vars,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
	}
}

func format(t prompts.PromptTemplate, vars map[string]any) (string, error) {
	for _, name := range t.InputVariables {
		if _, ok := vars[name]; !ok {
			return "", fmt.Errorf("missing variable %q", name)
		}
	}
	return t.Format(vars)
}

// Render formats template name from pack, falling back to the default pack.
func (l *Library) Render(pack, name string, vars map[string]any) ([]llm.Message, error) {
	t, ok := l.packs[pack][name]
	if !ok {
		t, ok = l.packs[DefaultPack][name]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownTemplate, pack, name)
	}

	messages := make([]llm.Message, 0, 2)
	if t.system.Template != "" {
		system, err := format(t.system, vars)
		if err != nil {
			return nil, fmt.Errorf("render %s system prompt: %w", name, err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	user, err := format(t.user, vars)
	if err != nil {
		return nil, fmt.Errorf("render %s user prompt: %w", name, err)
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: user}), nil
}

func (l *Library) PackNames() []string {
	names := make([]string, 0, len(l.packs))
	for name := range l.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type fsSource struct {
	fsys fs.FS
	dir  string
}

// EmbeddedSource serves the packs compiled into the binary.
func EmbeddedSource() Source {
	return fsSource{fsys: embedded, dir: "packs"}
}

// DirSource reads *.yaml packs from a directory on disk.
func DirSource(root string) Source {
	return fsSource{fsys: os.DirFS(root), dir: "."}
}

func (s fsSource) Packs(_ context.Context) (map[string][]byte, error) {
	entries, err := fs.ReadDir(s.fsys, s.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		body, err := fs.ReadFile(s.fsys, filepath.ToSlash(filepath.Join(s.dir, entry.Name())))
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(entry.Name(), ".yaml")] = body
	}
	return out, nil
}

type objectSource struct {
	store storage.Bucket
	root  string
}

// ObjectSource reads packs stored as <root>/<pack>.yaml in an object store.
func ObjectSource(store storage.Bucket, root string) Source {
	return objectSource{store: store, root: root}
}

func (s objectSource) Packs(ctx context.Context) (map[string][]byte, error) {
	infos, err := s.store.List(ctx, s.root)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, info := range infos {
		name, ok := storage.PromptPackName(s.root, info.Key)
		if !ok {
			continue
		}
		body, err := storage.ReadAll(ctx, s.store, info.Key, maxPackBytes)
		if err != nil {
			return nil, err
		}
		out[name] = body
	}
	return out, nil
}
