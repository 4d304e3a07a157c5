// Package skill implements the slash-command -> injected prompt template
// dispatch described in spec.md §4's Skill Dispatcher: a registry built once
// at startup (read-only thereafter) that expands a skill invocation into a
// concrete prompt plus optional tool/subagent routing. It is adapted from
// internal/command's markdown+frontmatter executor, trimmed to the
// read-only-registry shape spec.md requires (no AddCommand/RemoveCommand
// mutation after construction).
package skill

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/cowork-dev/cowork/pkg/types"
)

// skillDirName is where per-project skill definitions live, one markdown
// file per skill, nested directories joined with ":" in the skill name.
const skillDirName = ".cowork/skill"

// Invocation is the result of expanding a skill call: a ready-to-send
// prompt plus any tool/subagent routing the skill declares.
type Invocation struct {
	Prompt       string
	AllowedTools []string
	Subagent     string
	SkillName    string
}

// Registry holds every skill known at session start, keyed by name. Built
// once; spec.md §3 requires it be read-only after construction, so there is
// no public mutator — only Reload, used by the CLI's dev-mode file watcher
// to rebuild a fresh registry wholesale.
type Registry struct {
	workDir   string
	skills    map[string]types.Skill
	variables map[string]string
}

// NewRegistry scans workDir/.cowork/skill for skill definitions and merges
// in any skills declared directly in configSkills (e.g. from cowork.json).
func NewRegistry(workDir string, configSkills map[string]types.Skill, variables map[string]string) *Registry {
	r := &Registry{
		workDir:   workDir,
		skills:    make(map[string]types.Skill),
		variables: make(map[string]string),
	}
	for k, v := range configSkills {
		v.Name = k
		v.Source = "config"
		r.skills[k] = v
	}
	r.loadFromFiles()
	for k, v := range variables {
		r.variables[k] = v
	}
	return r
}

func (r *Registry) loadFromFiles() {
	dir := filepath.Join(r.workDir, skillDirName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}

	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}

		sk, parseErr := parseMarkdownSkill(path)
		if parseErr != nil {
			return nil
		}

		relPath, _ := filepath.Rel(dir, path)
		name := strings.TrimSuffix(relPath, ".md")
		name = strings.ReplaceAll(name, string(filepath.Separator), ":")

		sk.Name = name
		sk.Source = "file"
		r.skills[name] = sk
		return nil
	})
}

func parseMarkdownSkill(path string) (types.Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return types.Skill{}, err
	}

	var sk types.Skill
	lines := strings.Split(string(content), "\n")
	var templateLines []string
	inFrontmatter := false
	frontmatterDone := false

	for i, line := range lines {
		if i == 0 && strings.TrimSpace(line) == "---" {
			inFrontmatter = true
			continue
		}
		if inFrontmatter && strings.TrimSpace(line) == "---" {
			inFrontmatter = false
			frontmatterDone = true
			continue
		}
		if inFrontmatter {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
			switch key {
			case "description":
				sk.Description = value
			case "subagent":
				sk.Subagent = value
			case "allowed_tools":
				for _, t := range strings.Split(value, ",") {
					if t = strings.TrimSpace(t); t != "" {
						sk.AllowedTools = append(sk.AllowedTools, t)
					}
				}
			}
			continue
		}
		templateLines = append(templateLines, line)
	}

	if !frontmatterDone {
		sk.PromptTemplate = string(content)
	} else {
		sk.PromptTemplate = strings.TrimSpace(strings.Join(templateLines, "\n"))
	}
	return sk, nil
}

// List returns every registered skill.
func (r *Registry) List() []types.Skill {
	out := make([]types.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// Get looks up one skill by name.
func (r *Registry) Get(name string) (types.Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Reload rebuilds the registry's file-backed skills from disk. Config-backed
// skills must be re-supplied by the caller; this mirrors internal/config's
// own reload-on-change pattern rather than mutating skills in place.
func (r *Registry) Reload(configSkills map[string]types.Skill) {
	r.skills = make(map[string]types.Skill)
	for k, v := range configSkills {
		v.Name = k
		v.Source = "config"
		r.skills[k] = v
	}
	r.loadFromFiles()
}

// Dispatch expands a skill invocation's raw argument string against the
// skill's prompt_template, returning the resulting prompt plus its routing.
func (r *Registry) Dispatch(name, rawArgs string) (Invocation, error) {
	sk, ok := r.skills[name]
	if !ok {
		return Invocation{}, fmt.Errorf("skill not found: %s", name)
	}

	args := parseArguments(rawArgs)
	tmplCtx := r.buildTemplateContext(args)

	prompt, err := executeTemplate(sk.PromptTemplate, tmplCtx)
	if err != nil {
		return Invocation{}, fmt.Errorf("expand skill template: %w", err)
	}

	return Invocation{
		Prompt:       prompt,
		AllowedTools: sk.AllowedTools,
		Subagent:     sk.Subagent,
		SkillName:    sk.Name,
	}, nil
}

func parseArguments(args string) map[string]string {
	result := map[string]string{"input": strings.TrimSpace(args)}

	for i, part := range strings.Fields(args) {
		result[fmt.Sprintf("%d", i+1)] = part
	}

	namedRe := regexp.MustCompile(`--(\w+)(?:=(\S+)|(?:\s+(\S+))?)`)
	for _, match := range namedRe.FindAllStringSubmatch(args, -1) {
		name := match[1]
		value := match[2]
		if value == "" {
			value = match[3]
		}
		if value == "" {
			value = "true"
		}
		result[name] = value
	}
	return result
}

func (r *Registry) buildTemplateContext(args map[string]string) map[string]any {
	ctx := map[string]any{
		"args":    args,
		"input":   args["input"],
		"vars":    r.variables,
		"workDir": r.workDir,
	}
	for k, v := range args {
		if _, err := fmt.Sscanf(k, "%d", new(int)); err == nil {
			ctx[k] = v
		}
	}
	for k, v := range r.variables {
		ctx["var_"+k] = v
	}
	return ctx
}

func executeTemplate(tmplStr string, ctx map[string]any) (string, error) {
	tmplStr = expandSimpleVariables(tmplStr, ctx)

	tmpl, err := template.New("skill").Funcs(templateFuncs()).Parse(tmplStr)
	if err != nil {
		return tmplStr, nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return tmplStr, nil
	}
	return buf.String(), nil
}

func expandSimpleVariables(s string, ctx map[string]any) string {
	braced := regexp.MustCompile(`\$\{(\w+)\}`)
	s = braced.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return lookupVar(ctx, name, match)
	})

	bare := regexp.MustCompile(`\$(\w+)`)
	s = bare.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1:]
		return lookupVar(ctx, name, match)
	})
	return s
}

func lookupVar(ctx map[string]any, name, fallback string) string {
	if val, ok := ctx[name]; ok {
		return fmt.Sprint(val)
	}
	if args, ok := ctx["args"].(map[string]string); ok {
		if val, ok := args[name]; ok {
			return val
		}
	}
	return fallback
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"env":     os.Getenv,
		"trim":    strings.TrimSpace,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"replace": strings.ReplaceAll,
		"split":   strings.Split,
		"join":    strings.Join,
		"default": func(defaultVal, val string) string {
			if val == "" {
				return defaultVal
			}
			return val
		},
	}
}
