package domain

import (
	"fmt"
	"strings"
)

// Channel is an outbound delivery channel.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelVoice  Channel = "voice"
	ChannelSocial Channel = "social"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelVoice, ChannelSocial:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// ParseChannels parses and de-duplicates a channel list, keeping input order.
func ParseChannels(values []string) ([]Channel, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}

	seen := make(map[Channel]struct{}, len(values))
	channels := make([]Channel, 0, len(values))
	for _, v := range values {
		ch, err := ParseChannelFromString(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	return channels, nil
}

// JobType returns the batch job type that dispatches this channel.
func (c Channel) JobType() JobType {
	switch c {
	case ChannelEmail:
		return JobTypeEmailBatch
	case ChannelVoice:
		return JobTypeVoiceBatch
	case ChannelSocial:
		return JobTypeSocialBatch
	}
	return ""
}

// MaxBatchSize is the upper bound of recipients resolved per job.
func (c Channel) MaxBatchSize() int {
	switch c {
	case ChannelEmail:
		return 100
	case ChannelVoice:
		return 20
	case ChannelSocial:
		return 1
	}
	return 0
}
