package agentloop

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillFile = "SKILL.md"

// Skill is an instruction file the model can load on demand.
type Skill struct {
	Name        string
	Description string
	Path        string
}

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DiscoverSkills finds skills visible from root. Directories are searched in
// order and the first skill with a given name wins:
//
//	~/.tapir/agent/skills, ~/.agents/skills
//	.agents/skills in each ancestor of root, outermost first, stopping at
//	the repository root when there is one
//	root/.tapir/skills, root/.agents/skills
func DiscoverSkills(home, root string) []Skill {
	var dirs []string
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".tapir", "agent", "skills"),
			filepath.Join(home, ".agents", "skills"),
		)
	}
	for _, dir := range skillAncestors(root) {
		dirs = append(dirs, filepath.Join(dir, ".agents", "skills"))
	}
	dirs = append(dirs,
		filepath.Join(root, ".tapir", "skills"),
		filepath.Join(root, ".agents", "skills"),
	)

	seen := make(map[string]bool)
	var skills []Skill
	for _, dir := range dirs {
		for _, s := range loadSkillDir(dir) {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			skills = append(skills, s)
		}
	}
	return skills
}

// skillAncestors returns the strict ancestors of root, outermost first,
// bounded by the nearest directory containing .git.
func skillAncestors(root string) []string {
	root = filepath.Clean(root)
	var up []string
	for dir := filepath.Dir(root); ; dir = filepath.Dir(dir) {
		up = append(up, dir)
		if dir == filepath.Dir(dir) {
			break
		}
	}
	if top := repoBoundary(root); top != "" {
		kept := up[:0]
		for _, dir := range up {
			if insideDir(top, dir) {
				kept = append(kept, dir)
			}
		}
		up = kept
	}
	for i, j := 0, len(up)-1; i < j; i, j = i+1, j-1 {
		up[i], up[j] = up[j], up[i]
	}
	return up
}

// repoBoundary returns the nearest directory at or above dir holding .git.
func repoBoundary(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func insideDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// loadSkillDir reads <dir>/<name>/SKILL.md and <dir>/*.md, sorted by name.
func loadSkillDir(dir string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var skills []Skill
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			p = filepath.Join(p, skillFile)
		case filepath.Ext(e.Name()) != ".md":
			continue
		}
		if s, ok := loadSkill(p); ok {
			skills = append(skills, s)
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// loadSkill parses a skill file. Files without frontmatter, a name or a
// description are not skills.
func loadSkill(path string) (Skill, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, false
	}
	front, ok := splitFrontmatter(data)
	if !ok {
		return Skill{}, false
	}
	var fm skillFrontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return Skill{}, false
	}
	fm.Name = strings.TrimSpace(fm.Name)
	fm.Description = strings.TrimSpace(fm.Description)
	if fm.Name == "" || fm.Description == "" {
		return Skill{}, false
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return Skill{Name: fm.Name, Description: fm.Description, Path: path}, true
}

// splitFrontmatter returns the YAML between a leading "---" line and the
// next "---" line.
func splitFrontmatter(data []byte) ([]byte, bool) {
	data = bytes.ReplaceAll(bytes.TrimLeft(data, " \t\r\n"), []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return nil, false
	}
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, true
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, false
	}
	return rest[:end], true
}

// FormatSkills renders the <available-skills> block, or "" for none.
func FormatSkills(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<available-skills>\n")
	for _, s := range skills {
		fmt.Fprintf(&sb, "<skill name=%q path=%q>\n%s\n</skill>\n", s.Name, s.Path, s.Description)
	}
	sb.WriteString("</available-skills>")
	return sb.String()
}
