// Package stats derives the inbound audio channel layout from negotiated
// codec parameters.
package stats

import (
	"regexp"
	"strconv"
	"strings"

	"mcstream/native/internal/domain"
)

// DefaultChannels is reported when no mapping is present.
const DefaultChannels = 2

var channelMapping = regexp.MustCompile(`channel_mapping=(\d+(?:,\d+)*)`)

// ParseChannelMapping reads a channel_mapping=a,b,c parameter from an fmtp
// line. Without one, or when it does not parse, the snapshot is stereo with
// no explicit map.
func ParseChannelMapping(fmtp string) domain.ChannelSnapshot {
	m := channelMapping.FindStringSubmatch(fmtp)
	if m == nil {
		return domain.ChannelSnapshot{Channels: DefaultChannels}
	}

	parts := strings.Split(m[1], ",")
	channelMap := make([]int, 0, len(parts))
	for _, p := range parts {
		idx, err := strconv.Atoi(p)
		if err != nil {
			return domain.ChannelSnapshot{Channels: DefaultChannels}
		}
		channelMap = append(channelMap, idx)
	}
	return domain.ChannelSnapshot{Channels: len(channelMap), ChannelMap: channelMap}
}
