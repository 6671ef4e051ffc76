package api

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pmd/pmd/internal/pm"
	"github.com/pmd/pmd/internal/program"
	"github.com/pmd/pmd/internal/result"
	"github.com/pmd/pmd/pkg/types"
)

func invalidArgf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", result.ErrInvalidCommand, fmt.Sprintf(format, a...))
}

func formatResult(code uint32) string { return fmt.Sprintf("0x%08X", code) }

// uintArg reads a non-negative integer given as a JSON number or as a
// decimal or 0x-prefixed string.
func uintArg(args map[string]any, key string, bits int) (uint64, error) {
	switch v := args[key].(type) {
	case nil:
		return 0, invalidArgf("%s is required", key)
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.Ldexp(1, bits)-1 {
			return 0, invalidArgf("%s: %v out of range", key, v)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, bits)
		if err != nil {
			return 0, invalidArgf("%s: %v", key, err)
		}
		return n, nil
	default:
		return 0, invalidArgf("%s: unexpected %T", key, v)
	}
}

func uint32Arg(args map[string]any, key string) (uint32, error) {
	n, err := uintArg(args, key, 32)
	return uint32(n), err
}

// titleArg accepts a hex string (with or without 0x) or a JSON number.
func titleArg(args map[string]any, key string) (uint64, error) {
	switch v := args[key].(type) {
	case string:
		id, err := program.ParseTitleID(v)
		if err != nil {
			return 0, invalidArgf("%s: %v", key, err)
		}
		return id, nil
	default:
		return uintArg(args, key, 64)
	}
}

func programArg(args map[string]any, prefix string) (program.Info, error) {
	id, err := titleArg(args, prefix+"title_id")
	if err != nil {
		return program.Info{}, err
	}
	var media program.Media
	if s, ok := args[prefix+"media"].(string); ok {
		if media, err = program.ParseMedia(s); err != nil {
			return program.Info{}, invalidArgf("%s", err)
		}
	}
	return program.Info{ProgramID: id, Media: media}, nil
}

// flagsArg reads "flags" as a number, a '|'-separated string or a list of
// flag names, then applies "notify_variant".
func flagsArg(args map[string]any) (pm.LaunchFlags, error) {
	var f pm.LaunchFlags
	switch v := args["flags"].(type) {
	case nil:
	case string:
		parsed, err := pm.ParseLaunchFlags(v)
		if err != nil {
			return 0, invalidArgf("flags: %v", err)
		}
		f = parsed
	case []any:
		names := make([]string, 0, len(v))
		for _, n := range v {
			s, ok := n.(string)
			if !ok {
				return 0, invalidArgf("flags: unexpected %T", n)
			}
			names = append(names, s)
		}
		parsed, err := pm.ParseLaunchFlags(strings.Join(names, "|"))
		if err != nil {
			return 0, invalidArgf("flags: %v", err)
		}
		f = parsed
	default:
		n, err := uint32Arg(args, "flags")
		if err != nil {
			return 0, err
		}
		f = pm.LaunchFlags(n)
	}
	if _, ok := args["notify_variant"]; ok {
		v, err := uintArg(args, "notify_variant", 4)
		if err != nil {
			return 0, err
		}
		f = f.WithNotifyVariant(uint8(v))
	}
	return f, nil
}

// timeoutArg reads "timeout_ms"; absent or zero selects the manager default.
func timeoutArg(args map[string]any) (time.Duration, error) {
	if _, ok := args["timeout_ms"]; !ok {
		return 0, nil
	}
	ms, err := uintArg(args, "timeout_ms", 32)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func timeArg(args map[string]any, key string) (*time.Time, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, invalidArgf("%s: %v", key, err)
	}
	return &t, nil
}

func eventQueryArg(args map[string]any) (types.EventQuery, error) {
	var q types.EventQuery
	switch v := args["types"].(type) {
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, t)
			}
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				q.Types = append(q.Types, s)
			}
		}
	}
	if _, ok := args["pid"]; ok {
		pid, err := uint32Arg(args, "pid")
		if err != nil {
			return q, err
		}
		q.PID = &pid
	}
	if _, ok := args["title_id"]; ok {
		id, err := titleArg(args, "title_id")
		if err != nil {
			return q, err
		}
		q.TitleID = &id
	}
	var err error
	if q.Since, err = timeArg(args, "since"); err != nil {
		return q, err
	}
	if q.Until, err = timeArg(args, "until"); err != nil {
		return q, err
	}
	if _, ok := args["limit"]; ok {
		n, err := uintArg(args, "limit", 31)
		if err != nil {
			return q, err
		}
		q.Limit = int(n)
	}
	if _, ok := args["offset"]; ok {
		n, err := uintArg(args, "offset", 31)
		if err != nil {
			return q, err
		}
		q.Offset = int(n)
	}
	if order, ok := args["order"].(string); ok {
		q.Asc = order == "asc"
	}
	return q, nil
}
