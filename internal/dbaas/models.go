package dbaas

// RuleKindIP is the only firewall rule kind this tool creates or manages.
const RuleKindIP = "ip_addr"

// FirewallRule is one entry in a cluster's trusted-sources list.
// ID is assigned by the provider and stays empty until the rule exists
// remotely. Before that, two rules are the same rule if Kind and Value match.
type FirewallRule struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// ruleList is the wire envelope for both the firewall GET response and the
// PUT request/response. The API has no partial update: every write carries
// the complete desired list.
type ruleList struct {
	Rules []FirewallRule `json:"rules"`
}
