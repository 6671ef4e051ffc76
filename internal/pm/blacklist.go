package pm

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

// BlacklistRule removes services matching any of Services (glob patterns)
// from the access list of titles with the given 20-bit unique id.
type BlacklistRule struct {
	UniqueID uint32   `yaml:"unique_id"`
	Services []string `yaml:"services"`
}

const applicationCategory = 0x10

var blacklistMinFirmware = kernel.MakeVersion(2, 51, 0)

// Legacy titles that must not be granted networking services.
var builtinBlacklist = []BlacklistRule{
	{UniqueID: 0x343, Services: []string{"http:C", "soc:U"}},
	{UniqueID: 0x465, Services: []string{"http:C", "soc:U"}},
	{UniqueID: 0x4B3, Services: []string{"http:C", "soc:U"}},
}

type blacklist struct {
	rules map[uint32][]glob.Glob
}

func newBlacklist(extra []BlacklistRule) (*blacklist, error) {
	b := &blacklist{rules: make(map[uint32][]glob.Glob)}
	for _, r := range append(append([]BlacklistRule(nil), builtinBlacklist...), extra...) {
		if r.UniqueID > 0xFFFFF {
			return nil, fmt.Errorf("blacklist: unique id 0x%x exceeds 20 bits", r.UniqueID)
		}
		for _, pat := range r.Services {
			g, err := glob.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("blacklist: service pattern %q: %w", pat, err)
			}
			b.rules[r.UniqueID] = append(b.rules[r.UniqueID], g)
		}
	}
	return b, nil
}

// apply strips blacklisted services from md in place and returns the names
// it removed. Rules only apply to application titles on firmware 2.51.0 and
// later.
func (b *blacklist) apply(fw kernel.Version, md *program.Metadata) []string {
	if fw < blacklistMinFirmware || program.Category(md.TitleID) != applicationCategory {
		return nil
	}
	globs := b.rules[program.UniqueID(md.TitleID)]
	if len(globs) == 0 {
		return nil
	}
	var removed []string
	kept := md.Services[:0]
	for _, s := range md.Services {
		if matchAny(globs, s) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	md.Services = kept
	return removed
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
