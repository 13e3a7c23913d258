// Package modules orders environment-module load directives (`module load name/version`)
// so that every module is loaded after the modules it depends on.
package modules

import "strings"

// Module is an entry of the environment module system.
// Dependencies are references to other modules, either a bare name ("gcc"), satisfied by any
// module of that name, or "name/version", satisfied only by exactly that version.
type Module struct {
	Name         string
	Version      string
	Dependencies []string
}

// Parse reads a reference of the form "name" or "name/version".
func Parse(ref string) Module {
	name, version, _ := splitRef(ref)
	return Module{Name: name, Version: version}
}

// String renders the module the way `module load` expects it.
func (m Module) String() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + "/" + m.Version
}

// Satisfies reports whether m fulfils the dependency reference ref.
func (m Module) Satisfies(ref string) bool {
	name, version, versioned := splitRef(ref)
	if versioned {
		return m.Version != "" && m.Name == name && m.Version == version
	}
	return m.Name == name
}

// DependsOn reports whether one of m's dependency references is satisfied by other.
func (m Module) DependsOn(other Module) bool {
	for _, ref := range m.Dependencies {
		if other.Satisfies(ref) {
			return true
		}
	}
	return false
}

func splitRef(ref string) (name, version string, versioned bool) {
	idx := strings.Index(ref, "/")
	if idx == -1 {
		return ref, "", false
	}
	return ref[:idx], ref[idx+1:], true
}
