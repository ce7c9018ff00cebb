package sections

import (
	"sitebuilder/internal/config"
	"sitebuilder/internal/design"
)

// signalPricing is the only profile signal the rule table can reference.
const signalPricing = "pricing"

// Included evaluates the inclusion rule of a section against a profile.
// A section without a rule is always included. For a conditional section an
// explicit signal on the profile decides; without one the section is kept
// only for the industries the rule lists.
func Included(rule config.SectionRule, profile *design.Profile) bool {
	if rule.Include == nil {
		return true
	}
	if profile == nil {
		return false
	}
	if explicit, ok := signal(rule.Include.Signal, profile); ok {
		return explicit
	}
	industry := profile.Industry.Detected
	for _, name := range rule.Include.Industries {
		if name == industry {
			return true
		}
	}
	return false
}

func signal(name string, profile *design.Profile) (bool, bool) {
	switch name {
	case signalPricing:
		if profile.Sections.HasPricing != nil {
			return *profile.Sections.HasPricing, true
		}
	}
	return false, false
}
