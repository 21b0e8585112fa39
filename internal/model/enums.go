package model

// Provider identifies the cloud or platform a resource lives in.
// Closed set with an Unknown zero value so unrecognized input from
// storage or an adapter round-trips instead of panicking.
type Provider string

const (
	ProviderAWS        Provider = "aws"
	ProviderAzure      Provider = "azure"
	ProviderGCP        Provider = "gcp"
	ProviderKubernetes Provider = "kubernetes"
	ProviderCustom     Provider = "custom"
	ProviderUnknown    Provider = "unknown"
)

func ParseProvider(s string) Provider {
	switch Provider(s) {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderKubernetes, ProviderCustom:
		return Provider(s)
	default:
		return ProviderUnknown
	}
}

// ResourceType is an extendable taxonomy: known members are validated,
// but an adapter may report a type outside this list and it is kept
// verbatim rather than coerced to Unknown (the taxonomy is documented
// as "extendable", unlike Provider/RelationshipType which are closed).
type ResourceType string

const (
	ResourceCompute       ResourceType = "compute"
	ResourceDatabase      ResourceType = "database"
	ResourceStorage       ResourceType = "storage"
	ResourceNetwork       ResourceType = "network"
	ResourceVPC           ResourceType = "vpc"
	ResourceSubnet        ResourceType = "subnet"
	ResourceLoadBalancer  ResourceType = "load-balancer"
	ResourceFunction      ResourceType = "function"
	ResourceContainer     ResourceType = "container"
	ResourceCache         ResourceType = "cache"
	ResourceCDN           ResourceType = "cdn"
	ResourceDNS           ResourceType = "dns"
	ResourceIdentity      ResourceType = "identity"
	ResourceSecurityGroup ResourceType = "security-group"
	ResourceAPIGateway    ResourceType = "api-gateway"
	ResourceQueue         ResourceType = "queue"
	ResourceTopic         ResourceType = "topic"
	ResourceCustom        ResourceType = "custom"
)

// knownResourceTypes backs validation that rejects empty/whitespace
// values while still accepting anything an adapter invents.
var knownResourceTypes = map[ResourceType]bool{
	ResourceCompute: true, ResourceDatabase: true, ResourceStorage: true,
	ResourceNetwork: true, ResourceVPC: true, ResourceSubnet: true,
	ResourceLoadBalancer: true, ResourceFunction: true, ResourceContainer: true,
	ResourceCache: true, ResourceCDN: true, ResourceDNS: true,
	ResourceIdentity: true, ResourceSecurityGroup: true, ResourceAPIGateway: true,
	ResourceQueue: true, ResourceTopic: true, ResourceCustom: true,
}

func (r ResourceType) IsKnown() bool {
	return knownResourceTypes[r]
}

// ResourceStatus is the observed lifecycle status of a node, separate
// from the graph-internal soft-delete state tracked by Disappeared/Deleted.
type ResourceStatus string

const (
	StatusRunning ResourceStatus = "running"
	StatusStopped ResourceStatus = "stopped"
	StatusError   ResourceStatus = "error"
	StatusUnknown ResourceStatus = "unknown"
)

func ParseResourceStatus(s string) ResourceStatus {
	switch ResourceStatus(s) {
	case StatusRunning, StatusStopped, StatusError:
		return ResourceStatus(s)
	default:
		return StatusUnknown
	}
}

// RelationshipType is the closed set of edge kinds. Self-loops are
// only legal for DependsOn (see GraphEdge.Validate).
type RelationshipType string

const (
	RelRunsIn        RelationshipType = "runs-in"
	RelMemberOf      RelationshipType = "member-of"
	RelUses          RelationshipType = "uses"
	RelTriggers      RelationshipType = "triggers"
	RelContains      RelationshipType = "contains"
	RelSecuredBy     RelationshipType = "secured-by"
	RelEncryptsWith  RelationshipType = "encrypts-with"
	RelConnectsTo    RelationshipType = "connects-to"
	RelDependsOn     RelationshipType = "depends-on"
	RelReplicatesTo  RelationshipType = "replicates-to"
	RelBacksUp       RelationshipType = "backs-up"
	RelRoutesTo      RelationshipType = "routes-to"
	RelPeersWith     RelationshipType = "peers-with"
	RelMemberOfFleet RelationshipType = "member-of-fleet"
	RelUnknown       RelationshipType = "unknown"
)

var knownRelationshipTypes = map[RelationshipType]bool{
	RelRunsIn: true, RelMemberOf: true, RelUses: true, RelTriggers: true,
	RelContains: true, RelSecuredBy: true, RelEncryptsWith: true,
	RelConnectsTo: true, RelDependsOn: true, RelReplicatesTo: true,
	RelBacksUp: true, RelRoutesTo: true, RelPeersWith: true, RelMemberOfFleet: true,
}

func ParseRelationshipType(s string) RelationshipType {
	if knownRelationshipTypes[RelationshipType(s)] {
		return RelationshipType(s)
	}
	return RelUnknown
}

// AllowsSelfLoop reports whether a self-referencing edge of this type
// is permitted (spec.md §3: only depends-on).
func (r RelationshipType) AllowsSelfLoop() bool {
	return r == RelDependsOn
}

// DiscoveredVia records how an edge was produced.
type DiscoveredVia string

const (
	DiscoveredViaAPIField   DiscoveredVia = "api-field"
	DiscoveredViaConfigScan DiscoveredVia = "config-scan"
	DiscoveredViaInference  DiscoveredVia = "inference"
	DiscoveredViaUser       DiscoveredVia = "user"
)

// ChangeType classifies a ChangeRecord.
type ChangeType string

const (
	ChangeCreated    ChangeType = "created"
	ChangeUpdated    ChangeType = "updated"
	ChangeDeleted    ChangeType = "deleted"
	ChangeReappeared ChangeType = "reappeared"
)
