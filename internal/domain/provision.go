package domain

import "time"

// ProvisionConfig is passed to the provisioning backend for every item
type ProvisionConfig struct {
	Channel        string
	RegisterURL    string
	Credential     string
	CountryCode    string
	UserAgent      string
	CaptchaTimeout time.Duration
}

var channelNames = map[string]string{
	"10minutemail":  "10MinuteMail",
	"tempmail":      "Temp-Mail",
	"guerrillamail": "GuerrillaMail",
	"other":         "Other",
}

// ChannelName returns the display name for a provisioning channel
func ChannelName(channel string) string {
	if name, ok := channelNames[channel]; ok {
		return name
	}
	return channel
}
