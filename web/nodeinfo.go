package web

import (
	"encoding/json"
	"log"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/util"
)

// WellKnownNodeInfo represents the /.well-known/nodeinfo response
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// GetWellKnownNodeInfo returns the nodeinfo discovery document pointing at
// both schema versions.
func GetWellKnownNodeInfo(conf *util.AppConfig) string {
	wellKnown := WellKnownNodeInfo{
		Links: []NodeInfoLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: conf.Origin() + "/nodeinfo/2.0",
			},
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				Href: conf.Origin() + "/nodeinfo/2.1",
			},
		},
	}

	jsonBytes, err := json.Marshal(wellKnown)
	if err != nil {
		log.Printf("Failed to marshal well-known nodeinfo: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}

// GetNodeInfo returns a NodeInfo document of the requested schema version.
// 2.1 differs from 2.0 only by the software.repository field.
func GetNodeInfo(conf *util.AppConfig, version string) string {
	database := db.GetDB()

	totalUsers, err := database.CountAccounts()
	if err != nil {
		log.Printf("Failed to count accounts: %v", err)
	}
	localPosts, err := database.CountLocalPosts()
	if err != nil {
		log.Printf("Failed to count local posts: %v", err)
	}
	activeMonth, err := database.CountActiveUsersMonth()
	if err != nil {
		log.Printf("Failed to count active users (month): %v", err)
	}
	activeHalfyear, err := database.CountActiveUsersHalfYear()
	if err != nil {
		log.Printf("Failed to count active users (half year): %v", err)
	}

	openRegistrations := conf.Conf.Registration.Type == util.RegistrationOpen

	software := map[string]any{
		"name":    util.Name,
		"version": util.GetVersion(),
	}
	if version == "2.1" {
		software["repository"] = "https://github.com/deemkeen/tusk"
	}

	doc := map[string]any{
		"version":   version,
		"software":  software,
		"protocols": []string{"activitypub"},
		"services": map[string]any{
			"inbound":  []string{},
			"outbound": []string{},
		},
		"openRegistrations": openRegistrations,
		"usage": map[string]any{
			"users": map[string]any{
				"total":          totalUsers,
				"activeMonth":    activeMonth,
				"activeHalfyear": activeHalfyear,
			},
			"localPosts": localPosts,
		},
		"metadata": map[string]any{
			"nodeName":        conf.Conf.InstanceTitle,
			"nodeDescription": conf.Conf.InstanceShortDescription,
		},
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		log.Printf("Failed to marshal nodeinfo %s: %v", version, err)
		return "{}"
	}
	return string(jsonBytes)
}
