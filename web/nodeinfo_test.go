package web

import (
	"encoding/json"
	"testing"
)

func TestGetWellKnownNodeInfo(t *testing.T) {
	doc := GetWellKnownNodeInfo(testConf)

	var wellKnown WellKnownNodeInfo
	if err := json.Unmarshal([]byte(doc), &wellKnown); err != nil {
		t.Fatalf("Discovery document is not valid JSON: %v", err)
	}
	if len(wellKnown.Links) != 2 {
		t.Fatalf("Expected links to both schema versions, got %d", len(wellKnown.Links))
	}
	if wellKnown.Links[0].Href != testOrigin+"/nodeinfo/2.0" {
		t.Errorf("Unexpected 2.0 href: %s", wellKnown.Links[0].Href)
	}
	if wellKnown.Links[1].Href != testOrigin+"/nodeinfo/2.1" {
		t.Errorf("Unexpected 2.1 href: %s", wellKnown.Links[1].Href)
	}
}

func TestGetNodeInfo20(t *testing.T) {
	doc := GetNodeInfo(testConf, "2.0")

	var nodeinfo map[string]any
	if err := json.Unmarshal([]byte(doc), &nodeinfo); err != nil {
		t.Fatalf("NodeInfo is not valid JSON: %v", err)
	}
	if nodeinfo["version"] != "2.0" {
		t.Errorf("Unexpected version: %v", nodeinfo["version"])
	}

	software, ok := nodeinfo["software"].(map[string]any)
	if !ok || software["name"] != "tusk" {
		t.Errorf("Unexpected software block: %v", nodeinfo["software"])
	}
	if _, hasRepo := software["repository"]; hasRepo {
		t.Error("2.0 must not carry the repository field")
	}

	protocols, ok := nodeinfo["protocols"].([]any)
	if !ok || len(protocols) != 1 || protocols[0] != "activitypub" {
		t.Errorf("Unexpected protocols: %v", nodeinfo["protocols"])
	}
	if nodeinfo["openRegistrations"] != true {
		t.Error("Expected open registrations in test config")
	}

	usage, ok := nodeinfo["usage"].(map[string]any)
	if !ok {
		t.Fatal("Expected a usage block")
	}
	if _, ok := usage["users"].(map[string]any); !ok {
		t.Error("Expected user counts in usage")
	}
}

func TestGetNodeInfo21HasRepository(t *testing.T) {
	doc := GetNodeInfo(testConf, "2.1")

	var nodeinfo map[string]any
	if err := json.Unmarshal([]byte(doc), &nodeinfo); err != nil {
		t.Fatalf("NodeInfo is not valid JSON: %v", err)
	}
	software := nodeinfo["software"].(map[string]any)
	if software["repository"] == nil {
		t.Error("2.1 must carry the repository field")
	}
}
