package pm

import (
	"fmt"
	"strconv"
	"strings"
)

// LaunchFlags controls how a program is launched.
type LaunchFlags uint32

const (
	NormalApplication     LaunchFlags = 1 << 0
	LoadDependencies      LaunchFlags = 1 << 1
	NotifyOnTermination   LaunchFlags = 1 << 2
	QueueDebugApplication LaunchFlags = 1 << 3
	UseUpdateTitle        LaunchFlags = 1 << 16

	notifyVariantShift             = 4
	notifyVariantMask  LaunchFlags = 0xF << notifyVariantShift
)

// WithNotifyVariant sets the termination-notification variant (0-15).
func (f LaunchFlags) WithNotifyVariant(v uint8) LaunchFlags {
	return f&^notifyVariantMask | LaunchFlags(v&0xF)<<notifyVariantShift
}

// NotifyVariant returns the termination-notification variant.
func (f LaunchFlags) NotifyVariant() uint8 {
	return uint8((f & notifyVariantMask) >> notifyVariantShift)
}

// Normalize applies the implied flags: a normal application always loads
// its dependencies, and only a normal application may use an update title
// or be queued for debugging.
func (f LaunchFlags) Normalize() LaunchFlags {
	if f&NormalApplication != 0 {
		return f | LoadDependencies
	}
	return f &^ (UseUpdateTitle | QueueDebugApplication)
}

var flagNames = []struct {
	flag LaunchFlags
	name string
}{
	{NormalApplication, "normal_application"},
	{LoadDependencies, "load_dependencies"},
	{NotifyOnTermination, "notify_on_termination"},
	{QueueDebugApplication, "queue_debug_application"},
	{UseUpdateTitle, "use_update_title"},
}

func (f LaunchFlags) String() string {
	var parts []string
	for _, x := range flagNames {
		if f&x.flag != 0 {
			parts = append(parts, x.name)
		}
	}
	if v := f.NotifyVariant(); v != 0 {
		parts = append(parts, fmt.Sprintf("variant=%d", v))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseLaunchFlags parses the names produced by String, separated by '|' or
// ','. "variant=N" sets the notification variant.
func ParseLaunchFlags(s string) (LaunchFlags, error) {
	var f LaunchFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || part == "none" {
			continue
		}
		if v, ok := strings.CutPrefix(part, "variant="); ok {
			n, err := strconv.ParseUint(v, 0, 8)
			if err != nil || n > 0xF {
				return 0, fmt.Errorf("invalid notification variant %q", v)
			}
			f = f.WithNotifyVariant(uint8(n))
			continue
		}
		found := false
		for _, x := range flagNames {
			if x.name == part {
				f |= x.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown launch flag %q", part)
		}
	}
	return f, nil
}
