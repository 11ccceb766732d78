package monitor

import (
	"slices"
	"strings"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// Settings is the persisted monitoring configuration.
// Each list behaves as a set: adding an existing entry is a no-op.
type Settings struct {
	Roots      []string
	Exclusions []string
	Filters    []string
}

// AddRoot adds a monitored directory. It reports whether the set changed.
func (s *Settings) AddRoot(path string) bool {
	return addUnique(&s.Roots, NormalizePath(path), Key)
}

// RemoveRoot removes a monitored directory.
func (s *Settings) RemoveRoot(path string) bool {
	return removeKey(&s.Roots, path, Key)
}

// AddExclusion adds an excluded file or directory.
func (s *Settings) AddExclusion(path string) bool {
	return addUnique(&s.Exclusions, NormalizePath(path), Key)
}

func (s *Settings) RemoveExclusion(path string) bool {
	return removeKey(&s.Exclusions, path, Key)
}

// AddFilter adds a file-name pattern, normalizing ".ext" to "*.ext".
func (s *Settings) AddFilter(pattern string) bool {
	return addUnique(&s.Filters, NormalizeFilter(pattern), filterKey)
}

func (s *Settings) RemoveFilter(pattern string) bool {
	return removeKey(&s.Filters, NormalizeFilter(pattern), filterKey)
}

func filterKey(p string) string {
	return strings.ToLower(NormalizeFilter(p))
}

func addUnique(list *[]string, value string, key func(string) string) bool {
	if value == "" {
		return false
	}
	k := key(value)
	for _, existing := range *list {
		if key(existing) == k {
			return false
		}
	}
	*list = append(*list, value)
	return true
}

func removeKey(list *[]string, value string, key func(string) string) bool {
	k := key(value)
	for i, existing := range *list {
		if key(existing) == k {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// Equal reports whether both settings hold the same entries in the same order.
func (s Settings) Equal(other Settings) bool {
	return slices.Equal(s.Roots, other.Roots) &&
		slices.Equal(s.Exclusions, other.Exclusions) &&
		slices.Equal(s.Filters, other.Filters)
}

// LoadSettings reads the three monitoring lists from store.
func LoadSettings(store domain.SettingsStore) (Settings, error) {
	var s Settings
	lists := []struct {
		name domain.SettingsList
		add  func(string) bool
	}{
		{domain.ListMonitoredPaths, s.AddRoot},
		{domain.ListExclusions, s.AddExclusion},
		{domain.ListFilters, s.AddFilter},
	}
	for _, l := range lists {
		values, err := store.LoadList(l.name)
		if err != nil {
			return Settings{}, err
		}
		for _, v := range values {
			l.add(v)
		}
	}
	return s, nil
}

// SaveSettings writes the three monitoring lists to store.
func SaveSettings(store domain.SettingsStore, s Settings) error {
	if err := store.SaveList(domain.ListMonitoredPaths, s.Roots); err != nil {
		return err
	}
	if err := store.SaveList(domain.ListExclusions, s.Exclusions); err != nil {
		return err
	}
	return store.SaveList(domain.ListFilters, s.Filters)
}
