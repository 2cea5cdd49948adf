package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontMatter is the YAML front-matter block of a SKILL.md file.
type frontMatter struct {
	Name                   string   `yaml:"name"`
	Description            string   `yaml:"description"`
	UserInvocable          bool     `yaml:"userInvocable"`
	ArgumentHint           string   `yaml:"argumentHint"`
	DisableModelInvocation bool     `yaml:"disableModelInvocation"`
	AllowedTools           []string `yaml:"allowedTools"`
	Context                string   `yaml:"context"`
}

// LoadDirectories reads every "<dir>/<name>/SKILL.md" across dirs and
// registers each as a skillmd skill. A directory that cannot be read, or
// an individual SKILL.md that fails to parse, is logged and skipped —
// one malformed skill must not prevent the rest from loading.
func LoadDirectories(reg *Registry, dirs []string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("skill: cannot read skills directory", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			def, err := loadOne(path)
			if err != nil {
				slog.Warn("skill: failed to load SKILL.md, skipping", "path", path, "error", err)
				continue
			}
			reg.Register(*def)
		}
	}
}

// loadOne parses one SKILL.md: a leading "---\n...\n---\n" YAML
// front-matter block followed by a Markdown body, the body used verbatim
// as the skill's instructions.
func loadOne(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	front, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("front matter missing required name")
	}

	execCtx := ExecContext(fm.Context)
	if execCtx != ContextFork && execCtx != ContextInherit {
		execCtx = ContextInherit
	}

	return &Definition{
		Name:                   fm.Name,
		Description:            fm.Description,
		UserInvocable:          fm.UserInvocable,
		ArgumentHint:           fm.ArgumentHint,
		DisableModelInvocation: fm.DisableModelInvocation,
		AllowedTools:           fm.AllowedTools,
		Context:                execCtx,
		Instructions:           strings.TrimSpace(body),
		Source:                 SourceSkillMD,
	}, nil
}

// splitFrontMatter splits a "---\n<yaml>\n---\n<body>" document. It
// returns an error if the document does not open with a front-matter
// delimiter.
func splitFrontMatter(doc string) (front, body string, err error) {
	const delim = "---"
	doc = strings.TrimLeft(doc, "﻿")
	if !strings.HasPrefix(strings.TrimLeft(doc, "\n"), delim) {
		return "", "", fmt.Errorf("document does not start with %q front matter delimiter", delim)
	}
	doc = strings.TrimLeft(doc, "\n")
	rest := doc[len(delim):]
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated front matter block")
	}
	front = rest[:end]
	body = rest[end+len("\n"+delim):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
