package mirror

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nonHex = regexp.MustCompile(`[^0-9A-F]`)

// DestFolder builds the album folder path on the device SD card.
func DestFolder(series, episode string) string {
	var name string
	switch {
	case series != "" && episode != "":
		name = series + "_" + episode
	case series != "":
		name = series
	default:
		name = episode
	}
	return "/teddycloud/" + SanitizeName(name, FolderNameMax)
}

// DestTrackPath builds the destination file path for one track.
func DestTrackPath(folder string, trackIndex int, trackName string) string {
	num := fmt.Sprintf("%02d", trackIndex+1)
	if trackName == "" {
		return fmt.Sprintf("%s/%s.mp3", folder, num)
	}
	return fmt.Sprintf("%s/%s_%s.mp3", folder, num, SanitizeName(trackName, TrackNameMax))
}

// UIDSuffix returns the tag's last four bytes as dash-joined hex pairs,
// e.g. "0E-F4-BA-91".
func UIDSuffix(uid string) string {
	if uid == "" {
		return ""
	}
	raw := strings.ToUpper(uid)
	if strings.Contains(raw, ":") {
		parts := splitNonEmpty(raw, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[len(parts)-4:], "-")
		}
	}
	hexOnly := nonHex.ReplaceAllString(raw, "")
	if len(hexOnly) < 8 {
		return ""
	}
	tail := hexOnly[len(hexOnly)-8:]
	pairs := make([]string, 0, 4)
	for i := 0; i < 8; i += 2 {
		pairs = append(pairs, tail[i:i+2])
	}
	return strings.Join(pairs, "-")
}

// UIDMapPath builds the sibling UID map file path for a tag.
func UIDMapPath(uid string) string {
	suffix := UIDSuffix(uid)
	if suffix == "" {
		safe := strings.ReplaceAll(strings.ToUpper(uid), ":", "-")
		if safe == "" {
			safe = "unknown"
		}
		suffix = safe
	}
	return "/teddycloud/uids/" + suffix + ".json"
}

// DeviceTagID converts a UID into the decimal-triplet tag id the device
// expects: the last four hex bytes, reversed, each rendered as three decimal
// digits.
func DeviceTagID(uid string) string {
	if uid == "" {
		return ""
	}
	raw := strings.ToUpper(uid)
	var parts []string
	if strings.Contains(raw, ":") {
		parts = splitNonEmpty(raw, ":")
		if len(parts) < 4 {
			return ""
		}
		parts = parts[len(parts)-4:]
	} else {
		hexOnly := nonHex.ReplaceAllString(raw, "")
		if len(hexOnly) < 8 {
			return ""
		}
		tail := hexOnly[len(hexOnly)-8:]
		for i := 0; i < 8; i += 2 {
			parts = append(parts, tail[i:i+2])
		}
	}
	// Reversed byte order.
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		v, err := strconv.ParseUint(parts[i], 16, 8)
		if err != nil {
			return ""
		}
		fmt.Fprintf(&sb, "%03d", v)
	}
	return sb.String()
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
