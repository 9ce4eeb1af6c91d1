// Package teams loads the library of packed teams the bot can register
// before searching for a battle.
package teams

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxMembers is the largest team the simulator accepts.
const MaxMembers = 6

// Team is one registered team. Packed is sent verbatim with "/utm" and is
// otherwise opaque to the bot.
//
// Precondition: ID and Packed must be non-empty after loading.
type Team struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
	Packed string `yaml:"packed"`
}

// Members returns the species of each team member, in order. A member with an
// empty species field is named by its nickname.
func (t *Team) Members() []string {
	if t.Packed == "" {
		return nil
	}
	var out []string
	for _, m := range strings.Split(t.Packed, "]") {
		fields := strings.Split(m, "|")
		species := fields[0]
		if len(fields) > 1 && fields[1] != "" {
			species = fields[1]
		}
		out = append(out, species)
	}
	return out
}

func (t *Team) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("team id must not be empty")
	}
	if strings.TrimSpace(t.Packed) == "" {
		return fmt.Errorf("team %q: packed must not be empty", t.ID)
	}
	members := t.Members()
	if len(members) > MaxMembers {
		return fmt.Errorf("team %q: %d members exceeds %d", t.ID, len(members), MaxMembers)
	}
	for i, m := range members {
		if m == "" {
			return fmt.Errorf("team %q: member %d has no species", t.ID, i+1)
		}
	}
	return nil
}

// Library is an immutable set of teams keyed by id.
type Library struct {
	teams map[string]*Team
}

// LoadLibrary reads every .yaml or .yml file in dir as one Team.
//
// Precondition: dir must be a readable directory path.
// Postcondition: Returns a Library with unique, non-empty ids or a non-nil error.
func LoadLibrary(dir string) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	lib := &Library{teams: make(map[string]*Team)}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var team Team
		if err := yaml.Unmarshal(data, &team); err != nil {
			return nil, fmt.Errorf("parsing team file %s: %w", path, err)
		}
		if err := team.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := lib.teams[team.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate team id %q", path, team.ID)
		}
		lib.teams[team.ID] = &team
	}
	return lib, nil
}

// Get returns the team with the given id.
//
// Postcondition: Returns the team and true, or nil and false if absent.
func (l *Library) Get(id string) (*Team, bool) {
	t, ok := l.teams[id]
	return t, ok
}

// IDs returns every team id in sorted order.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.teams))
	for id := range l.teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of teams.
func (l *Library) Len() int {
	return len(l.teams)
}
