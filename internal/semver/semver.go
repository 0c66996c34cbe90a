// Package semver parses and compares the restricted semantic version
// strings used by the tunnel handshake's version gate.
//
// Accepted form: MAJOR.MINOR.PATCH[-{alpha|beta|rc}.N]. Unparsable
// components default to zero, mirroring the reference implementation's
// lenient parser: the gate must never panic on a malformed peer version.
package semver

import (
	"strconv"
	"strings"
)

// Version is a parsed semantic version.
type Version struct {
	Major, Minor, Patch int
	Pre                 string // "" (stable), "alpha", "beta", or "rc".
	PreNum              int
}

// Parse decodes s into a Version. It never returns an error; any component
// that fails to parse is treated as zero, matching the original gate's
// forgiving behavior.
func Parse(s string) Version {
	main := s
	pre := ""
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		main = s[:idx]
		pre = s[idx+1:]
	}
	major, minor, patch := 0, 0, 0
	parts := strings.Split(main, ".")
	if len(parts) > 0 {
		major = atoi(parts[0])
	}
	if len(parts) > 1 {
		minor = atoi(parts[1])
	}
	if len(parts) > 2 {
		patch = atoi(parts[2])
	}
	kind, num := "", 0
	if pre != "" {
		preParts := strings.Split(pre, ".")
		if len(preParts) > 0 {
			kind = preParts[0]
		}
		if len(preParts) > 1 {
			num = atoi(preParts[1])
		}
	}
	return Version{Major: major, Minor: minor, Patch: patch, Pre: kind, PreNum: num}
}

// preRank orders pre-release classes: stable > rc > beta > alpha > anything else.
func preRank(kind string) int {
	switch kind {
	case "":
		return 3
	case "rc":
		return 2
	case "beta":
		return 1
	case "alpha":
		return 0
	default:
		return -1
	}
}

// GTE reports whether v >= other under the handshake's ordering: major,
// minor, patch, then pre-release class, then pre-release number. Equal
// versions satisfy GTE.
func (v Version) GTE(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch > other.Patch
	}
	pv, po := preRank(v.Pre), preRank(other.Pre)
	if pv != po {
		return pv > po
	}
	return v.PreNum >= other.PreNum
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
