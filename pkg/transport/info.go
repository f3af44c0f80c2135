package transport

import (
	"github.com/relaystone/nostrd/pkg/config"
	"github.com/relaystone/nostrd/pkg/extension"
)

// Version is stamped at build time.
var Version = "dev"

// RelayInfo is the NIP-11 relay information document served to clients that
// ask for application/nostr+json.
type RelayInfo struct {
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	PubKey        string `json:"pubkey,omitempty"`
	Contact       string `json:"contact,omitempty"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software,omitempty"`
	Version       string `json:"version,omitempty"`
}

// BuildRelayInfo derives the information document from the operator config
// and the currently enabled extensions.
func BuildRelayInfo(info config.Info, ext *extension.Registry) RelayInfo {
	nips := []int{1, 11, 12, 15, 20}
	if ext != nil && ext.IsEnabled(extension.EventDeletion) {
		nips = append(nips, 9)
	}
	return RelayInfo{
		Name:          info.Name,
		Description:   info.Description,
		PubKey:        info.PubKey,
		Contact:       info.Contact,
		SupportedNIPs: nips,
		Software:      "https://github.com/relaystone/nostrd",
		Version:       Version,
	}
}
